package cmd

import (
	"testing"

	"sandboxprobe/internal/config"
	"sandboxprobe/internal/localsession"
	"sandboxprobe/internal/sshclient"
)

func TestNewProvider(t *testing.T) {
	cfg := &config.Config{Session: config.Session{Provider: config.ProviderLocal, Workdir: "/tmp/x"}}
	p, err := newProvider(cfg)
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if lp, ok := p.(*localsession.Provider); !ok || lp.Root != "/tmp/x" {
		t.Fatalf("expected local provider rooted at /tmp/x, got %#v", p)
	}

	cfg.Session = config.Session{Provider: config.ProviderSSH, Host: "h", Port: "2222", User: "u"}
	p, err = newProvider(cfg)
	if err != nil {
		t.Fatalf("ssh: %v", err)
	}
	if sp, ok := p.(*sshclient.Provider); !ok || sp.Host != "h" || sp.Port != "2222" || sp.Username != "u" {
		t.Fatalf("unexpected ssh provider: %#v", p)
	}

	cfg.Session.Provider = "docker"
	if _, err := newProvider(cfg); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	want := map[string]bool{"run": false, "collect": false, "phases": false, "init": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %s not registered", name)
		}
	}
}
