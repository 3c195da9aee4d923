package util

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
)

// /////
// Infallible Serialize / Deserialize
func fatalOnError(t *testing.T, err error, msg string) {
	realMsg := fmt.Sprintf("%s: %v", msg, err)
	if err != nil {
		if t != nil {
			t.Fatal(realMsg)
		} else {
			panic(realMsg)
		}
	}
}

func MustUnhex(t *testing.T, h string) []byte {
	out, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	fatalOnError(t, err, "Unhex failed")
	return out
}

func MustHex(d []byte) string {
	return hex.EncodeToString(d)
}

func MustUnbase64(t *testing.T, s string) []byte {
	out, err := base64.StdEncoding.DecodeString(s)
	fatalOnError(t, err, "Unbase64 failed")
	return out
}

func MustBase64(d []byte) string {
	return base64.StdEncoding.EncodeToString(d)
}
