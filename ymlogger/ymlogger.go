package ymlogger

import (
	"time"
)

// LogLevel defines the severity for LOG data type
type LogLevel byte

const (
	// DEBUG for debug level statements
	DEBUG LogLevel = iota
	// INFO for info level statements
	INFO
	// ERROR for error level statements
	ERROR
	// CRITICAL for critical level statements
	CRITICAL
)

func (logLevel LogLevel) String() string {
	switch logLevel {
	case CRITICAL:
		return "CRITICAL"
	case ERROR:
		return "ERROR"
	case INFO:
		return "INFO"
	case DEBUG:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// FromString returns the enum based on the string of the log severity
func (logLevel LogLevel) FromString(severity string) LogLevel {
	switch severity {
	case "CRITICAL":
		return CRITICAL
	case "ERROR":
		return ERROR
	case "INFO":
		return INFO
	case "DEBUG":
		return DEBUG
	default:
		return INFO
	}
}

// LogData defines the fields written for every log line. CallSID carries the
// call/request correlation ID that every package in this library logs with.
type LogData struct {
	CallSID     string    `json:"call_sid"`
	LogTime     time.Time `json:"log_time"`
	ProcessName string    `json:"process_name"`
	Hostname    string    `json:"hostname"`
	ProcessID   int       `json:"process_id"`
	Level       string    `json:"level"`
	FileName    string    `json:"file_name"`
	LineNum     int       `json:"line_num"`
	Msg         string    `json:"msg"`
}

// LoggerConf defines the service specific config for logger
type LoggerConf struct {
	ProcessName string `json:"process_name"`
	LogSeverity string `json:"log_severity"`
	LogFileName string `json:"log_file_name"`
	ConsoleLog  bool   `json:"console_log"`
}
