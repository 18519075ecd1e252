package driver

import (
	"crypto/md5"
	"encoding/hex"
)

// md5Password computes the Postgres "md5" password-authentication
// response: md5hex(md5hex(password+username) + salt), prefixed with
// "md5". This is narrow, protocol-mandated use of MD5 for wire
// compatibility, not a general-purpose hash — crypto/md5 is the
// appropriate stdlib tool here rather than an external hashing library.
func md5Password(username, password string, salt [4]byte) string {
	inner := hexMD5([]byte(password + username))
	outer := hexMD5(append([]byte(inner), salt[:]...))
	return "md5" + outer
}

func hexMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
