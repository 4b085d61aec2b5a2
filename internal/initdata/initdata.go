// Package initdata validates the signed launch payload a Telegram Mini App
// passes to its backend.
package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const secretMessage = "WebAppData"

var (
	// ErrMalformed is returned when the payload cannot be parsed or has no hash.
	ErrMalformed = errors.New("malformed init data")
	// ErrInvalidHash is returned when the signature does not match.
	ErrInvalidHash = errors.New("init data signature mismatch")
	// ErrExpired is returned when auth_date is older than the allowed age.
	ErrExpired = errors.New("init data expired")
)

// User is the identity embedded in the payload's user field.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// IDString returns the user id in the form used for player ids.
func (u User) IDString() string {
	return strconv.FormatInt(u.ID, 10)
}

// DisplayName prefers the username, then the first name.
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

// Data is a validated payload.
type Data struct {
	AuthDate time.Time
	QueryID  string
	User     *User
}

// Validate checks initData against botToken and returns the parsed payload.
// A positive maxAge also rejects payloads whose auth_date is older than that.
func Validate(initData, botToken string, maxAge time.Duration) (*Data, error) {
	return validateAt(initData, botToken, maxAge, time.Now())
}

func validateAt(initData, botToken string, maxAge time.Duration, now time.Time) (*Data, error) {
	if initData == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrMalformed)
	}
	values.Del("hash")

	expected := sign(values, botToken)
	if !hmac.Equal([]byte(expected), []byte(hash)) {
		return nil, ErrInvalidHash
	}

	data, err := parse(values)
	if err != nil {
		return nil, err
	}
	if maxAge > 0 {
		if data.AuthDate.IsZero() {
			return nil, fmt.Errorf("%w: missing auth_date", ErrExpired)
		}
		if now.Sub(data.AuthDate) > maxAge {
			return nil, fmt.Errorf("%w: signed %s ago", ErrExpired, now.Sub(data.AuthDate).Truncate(time.Second))
		}
	}
	return data, nil
}

// Sign returns values encoded as a payload carrying a valid hash for botToken.
func Sign(values url.Values, botToken string) string {
	signed := url.Values{}
	for k, v := range values {
		if k == "hash" {
			continue
		}
		signed[k] = v
	}
	signed.Set("hash", sign(signed, botToken))
	return signed.Encode()
}

// SignUser builds a signed payload for u with the given auth time.
func SignUser(u User, authDate time.Time, botToken string) string {
	raw, _ := json.Marshal(u)
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	v.Set("user", string(raw))
	return Sign(v, botToken)
}

// sign computes the hex digest over every key except hash.
func sign(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmacSHA256([]byte(botToken), secretMessage)
	return hex.EncodeToString(hmacSHA256(secret, strings.Join(lines, "\n")))
}

func hmacSHA256(key []byte, value string) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return mac.Sum(nil)
}

func parse(values url.Values) (*Data, error) {
	data := &Data{QueryID: values.Get("query_id")}

	if raw := values.Get("auth_date"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: auth_date %q", ErrMalformed, raw)
		}
		data.AuthDate = time.Unix(secs, 0)
	}

	if raw := values.Get("user"); raw != "" {
		var u User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("%w: user: %v", ErrMalformed, err)
		}
		data.User = &u
	}
	return data, nil
}
