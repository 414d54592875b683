package handlers

import (
	"testing"

	"github.com/relaydesk/relaydesk/internal/channel"
)

func TestRedactSecretsMasksOnlySecretFields(t *testing.T) {
	schema := channel.ConfigSchema{Fields: []channel.FieldSchema{
		{Key: "bot_token", Secret: true},
		{Key: "team_id"},
	}}
	cfg := map[string]any{
		"bot_token": "xoxb-secret",
		"team_id":   "T123",
	}

	out := redactSecrets(schema, cfg)
	if out["bot_token"] != maskedSecret {
		t.Fatalf("expected masked token, got %v", out["bot_token"])
	}
	if out["team_id"] != "T123" {
		t.Fatalf("team id should pass through, got %v", out["team_id"])
	}
	if cfg["bot_token"] != "xoxb-secret" {
		t.Fatalf("input map must not be mutated")
	}
}

func TestRedactSecretsLeavesEmptyAndAbsentFields(t *testing.T) {
	schema := channel.ConfigSchema{Fields: []channel.FieldSchema{
		{Key: "signing_secret", Secret: true},
		{Key: "app_secret", Secret: true},
	}}

	out := redactSecrets(schema, map[string]any{"signing_secret": ""})
	if out["signing_secret"] != "" {
		t.Fatalf("empty secret should stay empty, got %v", out["signing_secret"])
	}
	if _, ok := out["app_secret"]; ok {
		t.Fatalf("absent secret should not be added")
	}
}
