// Package key contains the proxy API key domain: generation, hashing,
// validation and the store interface backed by SQLite.
package key

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
)

// Prefix marks every key this proxy issues. Bearer tokens without it are
// treated as upstream provider keys and forwarded untouched.
const Prefix = "ong-"

// MaxActivePerUser caps active keys per user. Two allows a rotation
// overlap window without unbounded sprawl.
const MaxActivePerUser = 2

var (
	// ErrInvalidKey is returned when a presented key matches no active key.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrKeyLimit is returned when a user already holds MaxActivePerUser
	// active keys.
	ErrKeyLimit = errors.New("active key limit reached")
	// ErrNotFound is returned when a key id does not exist.
	ErrNotFound = errors.New("key not found")
)

// Key is one issued API key. The plaintext is shown exactly once at
// creation; only the argon2id hash is stored.
type Key struct {
	ID         string
	UserID     string
	Hash       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Active reports whether the key can still authenticate.
func (k Key) Active() bool {
	return k.RevokedAt == nil
}

// Masked returns the listing form: prefix, ellipsis, last 4 chars of the
// id. The plaintext is not recoverable from it.
func (k Key) Masked() string {
	tail := k.ID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return Prefix + "..." + tail
}

// NewPlaintext generates a fresh key: the prefix followed by a 26-char
// ULID. The ULID doubles as the key id, so the id is derivable from the
// plaintext but never the reverse.
func NewPlaintext(now time.Time) (plaintext, id string, err error) {
	id, err = newULID(now)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}
	return Prefix + id, id, nil
}

// IDFromPlaintext extracts the key id from a presented plaintext key.
func IDFromPlaintext(plaintext string) (string, bool) {
	if !strings.HasPrefix(plaintext, Prefix) {
		return "", false
	}
	id := strings.TrimPrefix(plaintext, Prefix)
	if len(id) != 26 {
		return "", false
	}
	return id, true
}

// argon2idParams follow the OWASP minimums: 47 MiB memory, 1 iteration,
// 1 lane.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashPlaintext returns the PHC-format argon2id hash of a key.
func HashPlaintext(plaintext string) (string, error) {
	return argon2id.CreateHash(plaintext, argon2idParams)
}

// Verify compares a plaintext key against a stored hash. It never
// panics: the underlying argon2 library panics on malformed PHC strings
// (t=0, p=0), which is converted to an error here.
func Verify(plaintext, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(plaintext, storedHash)
}

// crockford is the base32 alphabet ULIDs use (no I, L, O, U).
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// newULID builds a 26-char ULID: 48-bit millisecond timestamp followed
// by 80 random bits, Crockford base32 encoded.
func newULID(now time.Time) (string, error) {
	var id [16]byte
	ms := uint64(now.UnixMilli())
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)
	if _, err := rand.Read(id[6:]); err != nil {
		return "", err
	}

	var dst [26]byte
	dst[0] = crockford[(id[0]&224)>>5]
	dst[1] = crockford[id[0]&31]
	dst[2] = crockford[id[1]>>3]
	dst[3] = crockford[(id[1]&7)<<2|id[2]>>6]
	dst[4] = crockford[(id[2]&63)>>1]
	dst[5] = crockford[(id[2]&1)<<4|id[3]>>4]
	dst[6] = crockford[(id[3]&15)<<1|id[4]>>7]
	dst[7] = crockford[(id[4]&127)>>2]
	dst[8] = crockford[(id[4]&3)<<3|id[5]>>5]
	dst[9] = crockford[id[5]&31]
	dst[10] = crockford[id[6]>>3]
	dst[11] = crockford[(id[6]&7)<<2|id[7]>>6]
	dst[12] = crockford[(id[7]&63)>>1]
	dst[13] = crockford[(id[7]&1)<<4|id[8]>>4]
	dst[14] = crockford[(id[8]&15)<<1|id[9]>>7]
	dst[15] = crockford[(id[9]&127)>>2]
	dst[16] = crockford[(id[9]&3)<<3|id[10]>>5]
	dst[17] = crockford[id[10]&31]
	dst[18] = crockford[id[11]>>3]
	dst[19] = crockford[(id[11]&7)<<2|id[12]>>6]
	dst[20] = crockford[(id[12]&63)>>1]
	dst[21] = crockford[(id[12]&1)<<4|id[13]>>4]
	dst[22] = crockford[(id[13]&15)<<1|id[14]>>7]
	dst[23] = crockford[(id[14]&127)>>2]
	dst[24] = crockford[(id[14]&3)<<3|id[15]>>5]
	dst[25] = crockford[id[15]&31]
	return string(dst[:]), nil
}
