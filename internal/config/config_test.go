package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://test/pipeline")
	os.Setenv("SOURCE_BUCKET", "test-source")
	os.Setenv("TRANSCODED_BUCKET", "test-transcoded")
	os.Setenv("IMPORT_QUEUE_URL", "https://sqs.test/import")
	os.Setenv("TRANSCODE_QUEUE_URL", "https://sqs.test/transcode")
	os.Setenv("CDN_DOMAIN", "cdn.test.com")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("SOURCE_BUCKET")
		os.Unsetenv("TRANSCODED_BUCKET")
		os.Unsetenv("IMPORT_QUEUE_URL")
		os.Unsetenv("TRANSCODE_QUEUE_URL")
		os.Unsetenv("CDN_DOMAIN")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AWS.SourceBucket != "test-source" {
		t.Errorf("SourceBucket = %v, want %v", cfg.AWS.SourceBucket, "test-source")
	}
	if cfg.Pipeline.ImportDedupWindow != DefaultDedupWindow {
		t.Errorf("ImportDedupWindow = %v, want %v", cfg.Pipeline.ImportDedupWindow, DefaultDedupWindow)
	}
	if len(cfg.Pipeline.Presets) == 0 {
		t.Error("Presets should have a default")
	}
}

func TestValidateAPI_MissingRequired(t *testing.T) {
	cfg := &Config{
		Environment: "dev",
		AWS:         AWSConfig{},
	}

	err := cfg.ValidateAPI()
	if err == nil {
		t.Error("ValidateAPI() expected error for missing required fields")
	}
}

func TestValidateAPI_ProductionRequiresCredentials(t *testing.T) {
	cfg := &Config{
		Environment: "production",
		Postgres:    PostgresConfig{DSN: "postgres://test"},
		AWS: AWSConfig{
			SourceBucket:      "source",
			ImportQueueURL:    "import-url",
			TranscodeQueueURL: "transcode-url",
		},
		Pipeline: PipelineConfig{Presets: []string{"720p"}},
		API:      APIConfig{}, // Missing credentials
	}

	err := cfg.ValidateAPI()
	if err == nil {
		t.Error("ValidateAPI() expected error for missing credentials in production")
	}
}

func TestValidateWorker_MissingRequired(t *testing.T) {
	cfg := &Config{
		Environment: "dev",
		AWS:         AWSConfig{},
	}

	err := cfg.ValidateWorker()
	if err == nil {
		t.Error("ValidateWorker() expected error for missing required fields")
	}
}

func TestValidateWorker_AllPresent(t *testing.T) {
	cfg := &Config{
		Environment: "dev",
		Postgres:    PostgresConfig{DSN: "postgres://test"},
		AWS: AWSConfig{
			SourceBucket:      "source",
			TranscodedBucket:  "transcoded",
			ThumbnailBucket:   "thumbs",
			HLSBucket:         "hls",
			ImportQueueURL:    "import-url",
			TranscodeQueueURL: "transcode-url",
			CDNDomain:         "cdn.test",
		},
		Pipeline: PipelineConfig{Presets: []string{"480p", "720p"}},
		Worker: WorkerConfig{
			ImportConcurrency:    1,
			TranscodeConcurrency: 2,
		},
	}

	err := cfg.ValidateWorker()
	if err != nil {
		t.Errorf("ValidateWorker() unexpected error = %v", err)
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"prod", true},
		{"production", true},
		{"PROD", true},
		{"PRODUCTION", true},
		{"dev", false},
		{"staging", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &Config{Environment: tt.env}
			if got := cfg.IsProduction(); got != tt.want {
				t.Errorf("IsProduction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetAPICredentials_Development(t *testing.T) {
	cfg := &Config{
		Environment: "dev",
		API:         APIConfig{},
	}

	user, pass, err := cfg.GetAPICredentials()
	if err != nil {
		t.Fatalf("GetAPICredentials() error = %v", err)
	}
	if user != "admin" || pass != "secret" {
		t.Errorf("GetAPICredentials() = (%v, %v), want (admin, secret)", user, pass)
	}
}

func TestGetAPICredentials_Production(t *testing.T) {
	cfg := &Config{
		Environment: "production",
		API:         APIConfig{},
	}

	_, _, err := cfg.GetAPICredentials()
	if err == nil {
		t.Error("GetAPICredentials() expected error in production without credentials")
	}
}

func TestGetJWTSecret(t *testing.T) {
	cfg := &Config{Environment: "dev", API: APIConfig{}}
	if _, err := cfg.GetJWTSecret(); err == nil {
		t.Error("GetJWTSecret() expected error when unset")
	}

	cfg.API.JWTSecret = "short-dev-secret"
	if _, err := cfg.GetJWTSecret(); err != nil {
		t.Errorf("GetJWTSecret() unexpected error in dev = %v", err)
	}

	cfg.Environment = "production"
	if _, err := cfg.GetJWTSecret(); err == nil {
		t.Error("GetJWTSecret() expected error for short secret in production")
	}
}

func TestPlatformAllowed(t *testing.T) {
	p := PipelineConfig{Platforms: []string{"samplehost", "example"}}

	if !p.PlatformAllowed("samplehost") {
		t.Error("PlatformAllowed(samplehost) = false, want true")
	}
	if p.PlatformAllowed("evilhost") {
		t.Error("PlatformAllowed(evilhost) = true, want false")
	}
}

func TestQueueURL(t *testing.T) {
	a := AWSConfig{ImportQueueURL: "import-url", TranscodeQueueURL: "transcode-url"}

	if got := a.QueueURL("import"); got != "import-url" {
		t.Errorf("QueueURL(import) = %v, want import-url", got)
	}
	if got := a.QueueURL("transcode"); got != "transcode-url" {
		t.Errorf("QueueURL(transcode) = %v, want transcode-url", got)
	}
	if got := a.QueueURL("other"); got != "" {
		t.Errorf("QueueURL(other) = %v, want empty", got)
	}
}

func TestGetEnvSlice(t *testing.T) {
	os.Setenv("TEST_SLICE", "a, b, c")
	defer os.Unsetenv("TEST_SLICE")

	result := getEnvSlice("TEST_SLICE", nil)
	if len(result) != 3 {
		t.Errorf("getEnvSlice() len = %d, want 3", len(result))
	}
	if result[0] != "a" || result[1] != "b" || result[2] != "c" {
		t.Errorf("getEnvSlice() = %v, want [a b c]", result)
	}
}

func TestGetEnvInt(t *testing.T) {
	os.Setenv("TEST_INT", "42")
	defer os.Unsetenv("TEST_INT")

	result := getEnvInt("TEST_INT", 10)
	if result != 42 {
		t.Errorf("getEnvInt() = %d, want 42", result)
	}

	// Test default
	result = getEnvInt("NONEXISTENT", 10)
	if result != 10 {
		t.Errorf("getEnvInt() = %d, want 10", result)
	}
}

func TestGetEnvDuration(t *testing.T) {
	os.Setenv("TEST_DURATION", "90s")
	defer os.Unsetenv("TEST_DURATION")

	result := getEnvDuration("TEST_DURATION", time.Minute)
	if result != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", result)
	}

	result = getEnvDuration("NONEXISTENT", time.Minute)
	if result != time.Minute {
		t.Errorf("getEnvDuration() = %v, want 1m", result)
	}
}
