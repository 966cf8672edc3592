// Package video builds Agora AccessToken2 ("007") tokens for telehealth
// sessions and issues them per video visit.
package video

import (
	"bytes"
	"compress/zlib"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"time"
)

const (
	Version = "007"

	ServiceTypeRtc uint16 = 1
	ServiceTypeRtm uint16 = 2

	maxSalt = 99999999
)

var (
	ErrInvalidCredentials = errors.New("app id and app certificate must be 32 hex characters")
	ErrInvalidVersion     = errors.New("unsupported token version")
	ErrMalformedToken     = errors.New("malformed token")
	ErrSignatureMismatch  = errors.New("token signature mismatch")
	ErrUnknownService     = errors.New("unknown service type in token")
)

// Service is one privilege section of a token.
type Service interface {
	Type() uint16
	pack(w *bytes.Buffer)
	unpack(r io.Reader) error
}

// AccessToken is an AccessToken2 under construction. Expire and every
// privilege value are seconds relative to IssueTs.
type AccessToken struct {
	AppID          string
	AppCertificate string
	IssueTs        uint32
	Expire         uint32
	Salt           uint32
	Services       map[uint16]Service
}

// NewAccessToken starts a token issued now with a random salt.
func NewAccessToken(appID, appCertificate string, expire uint32, now time.Time) (*AccessToken, error) {
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	return &AccessToken{
		AppID:          appID,
		AppCertificate: appCertificate,
		IssueTs:        uint32(now.Unix()),
		Expire:         expire,
		Salt:           salt,
		Services:       make(map[uint16]Service),
	}, nil
}

func randomSalt() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxSalt))
	if err != nil {
		return 0, fmt.Errorf("generate salt: %w", err)
	}
	return uint32(n.Int64()) + 1, nil
}

// AddService adds or replaces the section for s.Type().
func (t *AccessToken) AddService(s Service) {
	if t.Services == nil {
		t.Services = make(map[uint16]Service)
	}
	t.Services[s.Type()] = s
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// signingKey chains HMAC-SHA256 over the issue timestamp and then the salt.
func (t *AccessToken) signingKey() []byte {
	h := hmac.New(sha256.New, uint32Bytes(t.IssueTs))
	h.Write([]byte(t.AppCertificate))
	h2 := hmac.New(sha256.New, uint32Bytes(t.Salt))
	h2.Write(h.Sum(nil))
	return h2.Sum(nil)
}

func (t *AccessToken) signingInfo() []byte {
	var buf bytes.Buffer
	packString(&buf, t.AppID)
	packUint32(&buf, t.IssueTs)
	packUint32(&buf, t.Expire)
	packUint32(&buf, t.Salt)
	packUint16(&buf, uint16(len(t.Services)))

	types := make([]int, 0, len(t.Services))
	for k := range t.Services {
		types = append(types, int(k))
	}
	sort.Ints(types)
	for _, k := range types {
		t.Services[uint16(k)].pack(&buf)
	}
	return buf.Bytes()
}

func sign(key, info []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(info)
	return h.Sum(nil)
}

// Build signs the token and returns its string form.
func (t *AccessToken) Build() (string, error) {
	if !isHex32(t.AppID) || !isHex32(t.AppCertificate) {
		return "", ErrInvalidCredentials
	}

	info := t.signingInfo()
	var content bytes.Buffer
	packString(&content, string(sign(t.signingKey(), info)))
	content.Write(info)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(content.Bytes()); err != nil {
		return "", fmt.Errorf("compress token: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress token: %w", err)
	}
	return Version + base64.StdEncoding.EncodeToString(compressed.Bytes()), nil
}

// Parse decodes a token without checking its signature. The returned token
// has no certificate.
func Parse(token string) (*AccessToken, error) {
	t, _, _, err := decode(token)
	return t, err
}

// Verify checks that token was signed with appCertificate.
func Verify(token, appCertificate string) (*AccessToken, error) {
	t, signature, info, err := decode(token)
	if err != nil {
		return nil, err
	}
	t.AppCertificate = appCertificate
	if !hmac.Equal(signature, sign(t.signingKey(), info)) {
		return nil, ErrSignatureMismatch
	}
	return t, nil
}

// ExpiresAt returns the absolute expiry of the token.
func (t *AccessToken) ExpiresAt() time.Time {
	return time.Unix(int64(t.IssueTs)+int64(t.Expire), 0).UTC()
}

func decode(token string) (*AccessToken, []byte, []byte, error) {
	if len(token) <= len(Version) || token[:len(Version)] != Version {
		return nil, nil, nil, ErrInvalidVersion
	}
	raw, err := base64.StdEncoding.DecodeString(token[len(Version):])
	if err != nil {
		return nil, nil, nil, ErrMalformedToken
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, nil, ErrMalformedToken
	}
	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, nil, ErrMalformedToken
	}

	r := bytes.NewReader(content)
	signature, err := unpackString(r)
	if err != nil {
		return nil, nil, nil, ErrMalformedToken
	}
	info := content[len(content)-r.Len():]

	t := &AccessToken{Services: make(map[uint16]Service)}
	if t.AppID, err = unpackString(r); err != nil {
		return nil, nil, nil, ErrMalformedToken
	}
	if t.IssueTs, err = unpackUint32(r); err != nil {
		return nil, nil, nil, ErrMalformedToken
	}
	if t.Expire, err = unpackUint32(r); err != nil {
		return nil, nil, nil, ErrMalformedToken
	}
	if t.Salt, err = unpackUint32(r); err != nil {
		return nil, nil, nil, ErrMalformedToken
	}
	count, err := unpackUint16(r)
	if err != nil {
		return nil, nil, nil, ErrMalformedToken
	}
	for i := 0; i < int(count); i++ {
		typ, err := unpackUint16(r)
		if err != nil {
			return nil, nil, nil, ErrMalformedToken
		}
		var s Service
		switch typ {
		case ServiceTypeRtc:
			s = &RtcService{}
		case ServiceTypeRtm:
			s = &RtmService{}
		default:
			return nil, nil, nil, ErrUnknownService
		}
		if err := s.unpack(r); err != nil {
			return nil, nil, nil, ErrMalformedToken
		}
		t.Services[typ] = s
	}
	return t, []byte(signature), info, nil
}
