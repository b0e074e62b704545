package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{"set all values", "1.0.0", "abc123", "2024-01-15"},
		{"set dev version", "dev", "HEAD", "unknown"},
		{"set empty values", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	orig := appIdentity
	defer func() { appIdentity = orig }()

	appIdentity = nil
	assert.Nil(t, GetAppIdentity())

	appIdentity = &AppIdentity{BinaryName: "listwatch"}
	assert.Equal(t, "listwatch", GetAppIdentity().BinaryName)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))

	err := exitError(foundry.ExitInvalidArgument, "Bad flag", errors.New("nope"))
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(fmt.Errorf("wrapped: %w", err)))
	assert.Contains(t, err.Error(), "Bad flag: nope (exit code")
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("abc"))
	assert.Equal(t, "****wxyz", maskToken("abcdefwxyz"))
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"watch", "jobs", "login", "config", "doctor", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
