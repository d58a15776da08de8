package model

import (
	"database/sql"
	"fmt"
)

// MFAType is the closed set of second factors a user can configure. The
// zero value is not a valid type.
type MFAType uint8

const (
	MFAEmailCode MFAType = iota + 1
	MFAPhoneCode
	MFATimeBased
)

// String returns the wire/database name of the type.
func (t MFAType) String() string {
	switch t {
	case MFAEmailCode:
		return "email_otp"
	case MFAPhoneCode:
		return "phone_otp"
	case MFATimeBased:
		return "totp"
	}
	return ""
}

// ParseMFAType maps a wire name to its MFAType. ok is false for unknown or
// empty names.
func ParseMFAType(s string) (MFAType, bool) {
	switch s {
	case "email_otp":
		return MFAEmailCode, true
	case "phone_otp":
		return MFAPhoneCode, true
	case "totp":
		return MFATimeBased, true
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler so JSON carries the wire name.
func (t MFAType) MarshalText() ([]byte, error) {
	s := t.String()
	if s == "" {
		return nil, fmt.Errorf("model: invalid mfa type %d", uint8(t))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MFAType) UnmarshalText(b []byte) error {
	v, ok := ParseMFAType(string(b))
	if !ok {
		return fmt.Errorf("model: unknown mfa type %q", string(b))
	}
	*t = v
	return nil
}

// Scan implements sql.Scanner for the auth_user_mfa.mfa_type column.
func (t *MFAType) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	}
	return fmt.Errorf("model: cannot scan %T into MFAType", src)
}

// MFAMethod mirrors a row in `auth_user_mfa`. A user has at most one row per
// type. Secret is only populated for the time-based type.
type MFAMethod struct {
	ID        string         `db:"mfa_id"`
	UserID    string         `db:"user_id"`
	Type      MFAType        `db:"mfa_type"`
	Secret    sql.NullString `db:"mfa_secret"`
	IsEnabled bool           `db:"is_enabled"`
}
