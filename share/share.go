// Package share builds the links and QR codes users hand out to invite others.
package share

import (
	"errors"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 256

var ErrMissingCode = errors.New("referral code is empty")

// Links turns referral codes into signup URLs under BaseURL.
type Links struct {
	BaseURL string
	// Path is appended to BaseURL, "/signup" when empty.
	Path string
}

// ReferralLink returns BaseURL + Path + "?ref=<code>".
func (l Links) ReferralLink(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrMissingCode
	}

	base, err := url.Parse(strings.TrimRight(l.BaseURL, "/"))
	if err != nil {
		return "", err
	}
	path := l.Path
	if path == "" {
		path = "/signup"
	}
	base.Path = strings.TrimRight(base.Path, "/") + path

	q := base.Query()
	q.Set("ref", code)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// QRCode renders the referral link as a PNG. size <= 0 uses DefaultQRSize.
func (l Links) QRCode(code string, size int) ([]byte, error) {
	link, err := l.ReferralLink(code)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	return qrcode.Encode(link, qrcode.Medium, size)
}
