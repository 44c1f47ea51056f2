package ymlogger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// muLogger serializes writes to the log sink
var muLogger sync.Mutex
var logger io.Writer

// processName is printed with each log message
var processName string

// logSeverity is the minimum level a statement needs to be written out
var logSeverity = DEBUG

// logFileName holds the log filename, empty means stdout
var logFileName string

// hostname holds the hostname reported by the kernel
var hostname string

// processID holds the pid of the process reported by the kernel
var processID int

// consoleLog holds the choice of console logging
var consoleLog bool

// LogError logs all the error level statements
func LogError(callSID string, v ...interface{}) {
	logStmt(callSID, 2, ERROR, fmt.Sprint(v...))
}

// LogCritical logs all the critical level statements
func LogCritical(callSID string, v ...interface{}) {
	logStmt(callSID, 2, CRITICAL, fmt.Sprint(v...))
}

// LogInfo logs all the info level statements
func LogInfo(callSID string, v ...interface{}) {
	logStmt(callSID, 2, INFO, fmt.Sprint(v...))
}

// LogDebug logs all the debug level statements
func LogDebug(callSID string, v ...interface{}) {
	logStmt(callSID, 2, DEBUG, fmt.Sprint(v...))
}

// LogErrorf logs all the error level statements in given format
func LogErrorf(callSID string, format string, v ...interface{}) {
	logStmt(callSID, 2, ERROR, fmt.Sprintf(format, v...))
}

// LogCriticalf logs all the critical level statements in given format
func LogCriticalf(callSID string, format string, v ...interface{}) {
	logStmt(callSID, 2, CRITICAL, fmt.Sprintf(format, v...))
}

// LogInfof logs all the info level statements in given format
func LogInfof(callSID string, format string, v ...interface{}) {
	logStmt(callSID, 2, INFO, fmt.Sprintf(format, v...))
}

// LogDebugf logs all the debug level statements in given format
func LogDebugf(callSID string, format string, v ...interface{}) {
	logStmt(callSID, 2, DEBUG, fmt.Sprintf(format, v...))
}

func logStmt(
	callSID string,
	stackLevel int,
	level LogLevel,
	msg string,
) {
	if level < logSeverity {
		return
	}
	var fileName string
	var lineNum int
	if _, filename, line, ok := runtime.Caller(stackLevel); ok {
		fileName = filepath.Base(filename)
		lineNum = line
	}
	record := LogData{
		CallSID:     callSID,
		LogTime:     time.Now(),
		Hostname:    hostname,
		ProcessName: processName,
		ProcessID:   processID,
		Level:       level.String(),
		FileName:    fileName,
		LineNum:     lineNum,
		Msg:         msg,
	}
	pushJSONByteStream(record)
}

func pushJSONByteStream(
	record LogData,
) {
	byteStream, err := json.Marshal(record)
	if err != nil {
		log.Println("Logger: Unable to marshal the JSON")
		return
	}

	/* When init doesn't happen before logger gets called */
	if logger == nil {
		initConn()
		if logger == nil {
			log.Println("Logger: Handle couldn't be initialised")
			return
		}
	}

	muLogger.Lock()
	_, err = logger.Write(append(byteStream, '\n'))
	muLogger.Unlock()
	if err != nil {
		log.Printf("Got error while logging. Cause: %s", err.Error())
	}
}

// InitYMLogger initializes the logger with service specific config
func InitYMLogger(l LoggerConf) error {
	processName = l.ProcessName
	logFileName = l.LogFileName
	consoleLog = l.ConsoleLog
	logSeverity = logSeverity.FromString(l.LogSeverity)
	hostname, _ = os.Hostname()
	processID = os.Getpid()
	return initConn()
}

func initConn() (err error) {
	if logFileName == "" {
		logger = os.Stdout
		return nil
	}
	logger, err = os.OpenFile(logFileName, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Println("Unable to open the log file", logFileName)
	}
	return err
}
