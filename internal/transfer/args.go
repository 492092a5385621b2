package transfer

import (
	"strconv"

	"mailmigrate/internal/config"
)

// office365Args tune the tool for Exchange Online, which drops connections
// on large fetches and rejects the IMAP ID command.
var office365Args = []string{
	"--buffersize", "8192000",
	"--reconnectretry1", "5",
	"--reconnectretry2", "5",
	"--split1", "100",
	"--split2", "100",
	"--skipheader", "Content-Type",
	"--skipheader", "Content-Transfer-Encoding",
	"--noid",
	"--subscribeall",
	"--sep1", "/",
	"--noreleasecheck",
	"--nocheckmessageexists",
	"--no-modulesversion",
}

// secretFlags take a credential as their value
var secretFlags = map[string]bool{
	"--password1":         true,
	"--password2":         true,
	"--oauthaccesstoken1": true,
}

// Credentials carries the secrets of one invocation
type Credentials struct {
	SourcePassword string
	AccessToken    string
	DestUser       string
	DestPassword   string
}

// BuildArgs assembles the tool arguments for one transfer invocation.
func BuildArgs(tool config.Tool, dest config.Destination, req Request, creds Credentials, logFile string) []string {
	account := req.Account
	args := []string{
		"--host1", account.Host(),
		"--port1", strconv.Itoa(account.Port()),
		"--ssl1",
		"--user1", account.Email,
		"--host2", dest.Host,
		"--port2", strconv.Itoa(dest.Port),
		"--user2", creds.DestUser,
		"--password2", creds.DestPassword,
		"--nofoldersizes",
		"--nofoldersizesatend",
	}

	if logFile != "" {
		args = append(args, "--logfile", logFile)
	}
	if tool.ErrorsMax > 0 {
		args = append(args, "--errorsmax", strconv.Itoa(tool.ErrorsMax))
	}
	if tool.TimeoutSeconds > 0 {
		timeout := strconv.Itoa(tool.TimeoutSeconds)
		args = append(args, "--timeout1", timeout, "--timeout2", timeout)
	}
	if tool.MirrorDeletions {
		args = append(args, "--delete2", "--expunge2")
	}

	if dest.TLS {
		args = append(args, "--ssl2")
		if !dest.TLSVerify {
			args = append(args, "--sslargs2", "SSL_verify_mode=0")
		}
	}

	if account.IsOAuth() {
		args = append(args, "--authmech1", "XOAUTH2", "--oauthaccesstoken1", creds.AccessToken, "--password1", "dummy")
		args = append(args, office365Args...)
	} else {
		args = append(args, "--password1", creds.SourcePassword)
	}

	for _, folder := range req.Folders {
		args = append(args, "--folder", folder)
	}
	if req.DryRun {
		args = append(args, "--dry")
	}

	return append(args, tool.ExtraArgs...)
}

// MaskArgs returns a copy of args with credential values replaced.
func MaskArgs(args []string) []string {
	masked := make([]string, len(args))
	copy(masked, args)
	for i := 0; i < len(masked)-1; i++ {
		if secretFlags[masked[i]] {
			masked[i+1] = "MASKED"
			i++
		}
	}
	return masked
}
