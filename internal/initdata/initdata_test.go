package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

const testToken = "123456:test-bot-token"

// referenceHash recomputes the digest step by step.
func referenceHash(fields map[string]string, botToken string) string {
	keyMac := hmac.New(sha256.New, []byte(botToken))
	keyMac.Write([]byte("WebAppData"))
	secret := keyMac.Sum(nil)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	// insertion sort keeps the helper independent of the code under test
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k + "=" + fields[k])
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func encode(fields map[string]string, hash string) string {
	v := url.Values{}
	for k, val := range fields {
		v.Set(k, val)
	}
	if hash != "" {
		v.Set("hash", hash)
	}
	return v.Encode()
}

func TestValidate_Accepts(t *testing.T) {
	fields := map[string]string{
		"auth_date": "1700000000",
		"query_id":  "AAH",
		"user":      `{"id":42,"username":"alice","first_name":"Alice"}`,
	}
	payload := encode(fields, referenceHash(fields, testToken))

	data, err := Validate(payload, testToken, 0)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if data.User == nil || data.User.ID != 42 || data.User.Username != "alice" {
		t.Errorf("User = %+v", data.User)
	}
	if data.User.IDString() != "42" {
		t.Errorf("IDString = %q", data.User.IDString())
	}
	if data.QueryID != "AAH" {
		t.Errorf("QueryID = %q", data.QueryID)
	}
	if data.AuthDate.Unix() != 1700000000 {
		t.Errorf("AuthDate = %v", data.AuthDate)
	}
}

func TestValidate_HashMustBeLowercaseHex(t *testing.T) {
	fields := map[string]string{"auth_date": "1700000000"}
	hash := referenceHash(fields, testToken)
	upper := strings.ToUpper(hash)
	if upper == hash {
		t.Skip("reference hash has no hex letters")
	}

	if _, err := Validate(encode(fields, upper), testToken, 0); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("Validate with uppercase hash = %v, want ErrInvalidHash", err)
	}
	if _, err := Validate(encode(fields, hash), testToken, 0); err != nil {
		t.Errorf("Validate with lowercase hash = %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	fields := map[string]string{
		"auth_date": "1700000000",
		"user":      `{"id":42}`,
	}
	good := referenceHash(fields, testToken)

	// flip one hex digit
	tampered := []byte(good)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}

	altered := map[string]string{"auth_date": "1700000000", "user": `{"id":43}`}

	tests := []struct {
		name    string
		payload string
		token   string
		want    error
	}{
		{"tampered hash", encode(fields, string(tampered)), testToken, ErrInvalidHash},
		{"altered field", encode(altered, good), testToken, ErrInvalidHash},
		{"wrong bot token", encode(fields, good), "other-token", ErrInvalidHash},
		{"missing hash", encode(fields, ""), testToken, ErrMalformed},
		{"empty payload", "", testToken, ErrMalformed},
		{"unparseable", "auth_date=%zz&hash=" + good, testToken, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.payload, tt.token, 0)
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate_MalformedUserAfterValidHash(t *testing.T) {
	fields := map[string]string{"user": "not json"}
	payload := encode(fields, referenceHash(fields, testToken))

	if _, err := Validate(payload, testToken, 0); !errors.Is(err, ErrMalformed) {
		t.Errorf("Validate error = %v, want ErrMalformed", err)
	}
}

func TestValidate_MaxAge(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name     string
		authDate time.Time
		maxAge   time.Duration
		wantErr  error
	}{
		{"fresh", now.Add(-time.Minute), time.Hour, nil},
		{"expired", now.Add(-2 * time.Hour), time.Hour, ErrExpired},
		{"check disabled", now.Add(-48 * time.Hour), 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := SignUser(User{ID: 1}, tt.authDate, testToken)
			_, err := validateAt(payload, testToken, tt.maxAge, now)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MaxAgeRequiresAuthDate(t *testing.T) {
	payload := Sign(url.Values{"query_id": {"q"}}, testToken)
	if _, err := Validate(payload, testToken, time.Hour); !errors.Is(err, ErrExpired) {
		t.Errorf("error = %v, want ErrExpired", err)
	}
}

func TestSign_MatchesReference(t *testing.T) {
	v := url.Values{}
	v.Set("auth_date", "1700000000")
	v.Set("user", `{"id":7}`)
	v.Set("hash", "stale")

	parsed, err := url.ParseQuery(Sign(v, testToken))
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	want := referenceHash(map[string]string{"auth_date": "1700000000", "user": `{"id":7}`}, testToken)
	if got := parsed.Get("hash"); got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}
	if v.Get("hash") != "stale" {
		t.Error("Sign modified its input")
	}
}

func TestUser_DisplayName(t *testing.T) {
	tests := []struct {
		user User
		want string
	}{
		{User{Username: "alice", FirstName: "Alice"}, "alice"},
		{User{FirstName: "Bob"}, "Bob"},
		{User{}, ""},
	}
	for _, tt := range tests {
		if got := tt.user.DisplayName(); got != tt.want {
			t.Errorf("DisplayName(%+v) = %q, want %q", tt.user, got, tt.want)
		}
	}
}
