// Package auth implements the client side of the PostgreSQL MD5 and
// SCRAM-SHA-256 password authentication methods. Cleartext needs no
// computation and has no code here.
package auth

import (
	"crypto/md5"
	"encoding/hex"
)

// HashMD5Password computes the response to an MD5 authentication request:
//
//	"md5" || hex(md5(hex(md5(password || user)) || salt))
//
// The result is always 35 characters.
func HashMD5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.New()
	outer.Write([]byte(innerHex))
	outer.Write(salt[:])
	return "md5" + hex.EncodeToString(outer.Sum(nil))
}
