package main

import (
	"testing"

	"plantao/internal/config"
	"plantao/internal/remote"
)

func TestNewRemoteClientWiresConfig(t *testing.T) {
	cfg := config.Default("local-agent")
	cfg.Remote.BaseURL = "http://remote.example:8080/v0"
	cfg.Remote.APIKey = "pl_secret"

	client := newRemoteClient(cfg)
	if client.BaseURL != "http://remote.example:8080/v0" {
		t.Fatalf("base URL = %q", client.BaseURL)
	}
	if client.APIKey != "pl_secret" {
		t.Fatalf("api key = %q", client.APIKey)
	}
}

func TestCacheKeyForIsDeterministic(t *testing.T) {
	opts := remote.QueryOptions{
		Filters: map[string]string{"status": "open", "owner": "a", "rank": "1"},
		OrderBy: "rank",
	}
	want := cacheKeyFor("tickets", "", opts)
	for i := 0; i < 200; i++ {
		if got := cacheKeyFor("tickets", "", opts); got != want {
			t.Fatalf("key changed across calls: %q vs %q", got, want)
		}
	}
	if want != "tickets:owner=a:rank=1:status=open:order=rank" {
		t.Fatalf("unexpected key layout: %q", want)
	}
}
