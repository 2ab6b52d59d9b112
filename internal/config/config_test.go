package config

import "testing"

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	c := &Config{}
	c.applyDefaults()

	if c.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", c.Server.Port)
	}
	if c.Server.Env != "development" {
		t.Errorf("Server.Env = %q, want development", c.Server.Env)
	}
	if c.Server.ShutdownTimeout != 30 {
		t.Errorf("Server.ShutdownTimeout = %d, want 30", c.Server.ShutdownTimeout)
	}
	if len(c.Server.CORSAllowOrigins) != 1 || c.Server.CORSAllowOrigins[0] != "*" {
		t.Errorf("Server.CORSAllowOrigins = %v, want [*]", c.Server.CORSAllowOrigins)
	}
	if c.Reputation.PriorAlpha != 2 || c.Reputation.PriorBeta != 2 {
		t.Errorf("Reputation prior = (%v,%v), want (2,2)", c.Reputation.PriorAlpha, c.Reputation.PriorBeta)
	}
}

func TestApplyDefaultsDoesNotOverrideSetValues(t *testing.T) {
	c := &Config{}
	c.Server.Port = "9090"
	c.Server.Env = "production"
	c.applyDefaults()

	if c.Server.Port != "9090" {
		t.Errorf("explicit Server.Port was overwritten: %q", c.Server.Port)
	}
	if c.Server.Env != "production" {
		t.Errorf("explicit Server.Env was overwritten: %q", c.Server.Env)
	}
}

func TestIsProductionIsDevelopment(t *testing.T) {
	prod := &Config{Server: ServerConfig{Env: "production"}}
	if !prod.IsProduction() || prod.IsDevelopment() {
		t.Error("Env=production should report IsProduction=true, IsDevelopment=false")
	}

	dev := &Config{Server: ServerConfig{Env: "development"}}
	if dev.IsProduction() || !dev.IsDevelopment() {
		t.Error("Env=development should report IsProduction=false, IsDevelopment=true")
	}
}

func TestValidateProductionFailsClosedOnMissingSecrets(t *testing.T) {
	c := &Config{Server: ServerConfig{Env: "production"}}
	if err := c.validateProduction(); err == nil {
		t.Fatal("production config with no secrets configured must fail validation")
	}

	c.Security.TokenPepper = "pepper"
	c.Security.SessionSecret = "secret"
	c.Database.URL = "postgres://localhost/proofwork"
	c.Webhook.SigningSecret = "whsec"
	c.Security.AdminBootstrapToken = "admin"
	if err := c.validateProduction(); err != nil {
		t.Fatalf("production config with every required secret set should pass, got %v", err)
	}
}

func TestValidateProductionSkipsOutsideProduction(t *testing.T) {
	c := &Config{Server: ServerConfig{Env: "development"}}
	if err := c.validateProduction(); err != nil {
		t.Fatalf("non-production config should never fail validateProduction, got %v", err)
	}
}

func TestGetPortFallsBackWhenUnset(t *testing.T) {
	c := &Config{}
	if got := c.GetPort(); got != "8080" {
		t.Errorf("GetPort() = %q, want 8080", got)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" https://a.example , https://b.example ,, ")
	want := []string{"https://a.example", "https://b.example"}
	if len(got) != len(want) {
		t.Fatalf("splitCSV = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitCSV[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
