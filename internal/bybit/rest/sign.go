package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const (
	HeaderAPIKey     = "X-BAPI-API-KEY"
	HeaderTimestamp  = "X-BAPI-TIMESTAMP"
	HeaderSign       = "X-BAPI-SIGN"
	HeaderRecvWindow = "X-BAPI-RECV-WINDOW"
)

// Sign returns the hex HMAC-SHA256 of timestamp+apiKey+recvWindow+payload,
// where payload is the JSON body for writes and the query string for reads.
func Sign(secret, apiKey, recvWindow string, timestampMS int64, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMS, 10) + apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func SignedHeaders(apiKey, secret, recvWindow string, timestampMS int64, payload string) map[string]string {
	return map[string]string{
		HeaderAPIKey:     apiKey,
		HeaderTimestamp:  strconv.FormatInt(timestampMS, 10),
		HeaderSign:       Sign(secret, apiKey, recvWindow, timestampMS, payload),
		HeaderRecvWindow: recvWindow,
	}
}
