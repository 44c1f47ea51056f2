package phonenumber

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/ttacon/libphonenumber"

	"bitbucket.org/yellowmessenger/callcontrol/configmanager"
)

var tollfreeRegexp = regexp.MustCompile(`(?m)^(\+|0|00|\+91|\+9100)?(18[06]0([0-9]{4,9}))$`)

// PhoneNumber contains the metadata of a number
type PhoneNumber struct {
	RawNumber              string
	E164Format             string
	LocalFormat            string
	NationalFormat         string
	WithZeroNationalFormat string
	ISOCountryCode         string
	IsTollFree             bool
	IsInternational        bool
	IsSipUser              bool
}

// NewPhoneNumber returns the PhoneNumber struct with the given Raw number
func NewPhoneNumber(number string) PhoneNumber {
	return PhoneNumber{
		RawNumber: number,
	}
}

// Parse fills the number's metadata for the raw number. SIP users and
// toll-free numbers short-circuit; everything else goes through
// libphonenumber with the configured default region.
func (pn *PhoneNumber) Parse() error {
	if pn.RawNumber == "" {
		return errors.New("Raw number is empty")
	}
	if err := pn.populateIsSIPUser(); err == nil {
		return nil
	}
	if err := pn.populateTollFree(); err == nil {
		return nil
	}
	return pn.parseWithLibPhonenumber()
}

// Endpoint formats the number as an Asterisk dial endpoint for the given
// trunk technology and address, e.g. PJSIP/9811098110@trunk-main.
func (pn *PhoneNumber) Endpoint(technology string, trunk string) string {
	if pn.IsSipUser {
		return pn.RawNumber
	}
	number := pn.dialingNumber()
	if trunk == "" {
		return technology + "/" + number
	}
	return technology + "/" + trunk + "/" + number
}

func (pn *PhoneNumber) dialingNumber() string {
	if pn.IsInternational {
		return pn.E164Format
	}
	return configmanager.ConfStore.DialingNumberPrefix + pn.WithZeroNationalFormat
}

// CallerIDNumber returns the representation used for the ARI callerId field.
func (pn *PhoneNumber) CallerIDNumber() string {
	if pn.IsInternational {
		return pn.E164Format
	}
	if pn.LocalFormat != "" {
		return pn.LocalFormat
	}
	return pn.RawNumber
}

func (pn *PhoneNumber) populateTollFree() error {
	matches := tollfreeRegexp.FindStringSubmatch(pn.RawNumber)
	if len(matches) < 3 {
		return errors.New("Number is not a toll free number")
	}
	pn.E164Format = matches[2]
	pn.NationalFormat = matches[2]
	pn.WithZeroNationalFormat = matches[2]
	pn.LocalFormat = matches[2]
	pn.IsTollFree = true
	return nil
}

func (pn *PhoneNumber) populateIsSIPUser() error {
	if !strings.HasPrefix(strings.ToLower(pn.RawNumber), "sip:") {
		return errors.New("Number is not a sip user")
	}
	pn.IsSipUser = true
	pn.E164Format = pn.RawNumber[4:]
	return nil
}

func (pn *PhoneNumber) parseWithLibPhonenumber() error {
	number, err := libphonenumber.Parse(pn.RawNumber, configmanager.ConfStore.DefaultRegion)
	if err != nil {
		return err
	}
	pn.NationalFormat = strconv.Itoa(int(number.GetNationalNumber()))
	pn.WithZeroNationalFormat = "0" + pn.NationalFormat
	pn.ISOCountryCode = strconv.Itoa(int(number.GetCountryCode()))
	pn.E164Format = libphonenumber.Format(number, libphonenumber.E164)
	region := libphonenumber.GetRegionCodeForNumber(number)
	if region != "" && region != configmanager.ConfStore.DefaultRegion {
		pn.IsInternational = true
		pn.NationalFormat = pn.E164Format
		pn.WithZeroNationalFormat = pn.E164Format
		pn.LocalFormat = pn.E164Format
		return nil
	}
	pn.LocalFormat = pn.NationalFormat
	return nil
}
