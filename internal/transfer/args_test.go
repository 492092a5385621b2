package transfer

import (
	"testing"

	"mailmigrate/internal/config"

	"github.com/stretchr/testify/assert"
)

func argValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuildArgs_PasswordAccount(t *testing.T) {
	tool := config.Tool{TimeoutSeconds: 300, ErrorsMax: 200}
	dest := config.Destination{Host: "mail.example.net", Port: 993, TLS: true, TLSVerify: false}
	req := Request{
		Account: config.Account{Email: "alice@example.com", Auth: config.AuthPassword},
		Folders: []string{"INBOX", "Sent Items"},
		DryRun:  true,
	}
	creds := Credentials{SourcePassword: "src", DestUser: "alice@example.net", DestPassword: "dst"}

	args := BuildArgs(tool, dest, req, creds, "/tmp/sync.log")

	v, _ := argValue(args, "--host1")
	assert.Equal(t, "imap.example.com", v)
	v, _ = argValue(args, "--password1")
	assert.Equal(t, "src", v)
	v, _ = argValue(args, "--user2")
	assert.Equal(t, "alice@example.net", v)
	v, _ = argValue(args, "--sslargs2")
	assert.Equal(t, "SSL_verify_mode=0", v)
	v, _ = argValue(args, "--logfile")
	assert.Equal(t, "/tmp/sync.log", v)
	v, _ = argValue(args, "--timeout2")
	assert.Equal(t, "300", v)

	assert.Contains(t, args, "--ssl2")
	assert.Contains(t, args, "--dry")
	assert.Contains(t, args, "Sent Items")
	assert.NotContains(t, args, "--delete2")
	assert.NotContains(t, args, "--authmech1")
}

func TestBuildArgs_OAuthAccount(t *testing.T) {
	tool := config.Tool{MirrorDeletions: true, ExtraArgs: []string{"--usecache"}}
	dest := config.Destination{Host: "mail.example.net", Port: 143}
	req := Request{Account: config.Account{Email: "bob@contoso.com", Auth: config.AuthOAuth}}

	args := BuildArgs(tool, dest, req, Credentials{AccessToken: "tok", DestUser: "bob@contoso.com"}, "")

	v, _ := argValue(args, "--host1")
	assert.Equal(t, "outlook.office365.com", v)
	v, _ = argValue(args, "--authmech1")
	assert.Equal(t, "XOAUTH2", v)
	v, _ = argValue(args, "--oauthaccesstoken1")
	assert.Equal(t, "tok", v)
	v, _ = argValue(args, "--password1")
	assert.Equal(t, "dummy", v)

	assert.Contains(t, args, "--noid")
	assert.Contains(t, args, "--delete2")
	assert.Contains(t, args, "--expunge2")
	assert.Equal(t, "--usecache", args[len(args)-1])
	assert.NotContains(t, args, "--ssl2")
	assert.NotContains(t, args, "--folder")
	_, ok := argValue(args, "--logfile")
	assert.False(t, ok)
}

func TestMaskArgs(t *testing.T) {
	args := []string{"--user1", "a", "--password1", "p1", "--oauthaccesstoken1", "tok", "--password2", "p2"}
	masked := MaskArgs(args)

	assert.Equal(t, []string{"--user1", "a", "--password1", "MASKED", "--oauthaccesstoken1", "MASKED", "--password2", "MASKED"}, masked)
	assert.Equal(t, "p1", args[3])
}
