package token

import "github.com/sqs/go-xoauth2"

// BearerAuthString returns the base64 SASL XOAUTH2 initial response
// "user=<address>\x01auth=Bearer <token>\x01\x01".
func BearerAuthString(user, accessToken string) string {
	return xoauth2.XOAuth2String(user, accessToken)
}
