package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DefaultThreatPrompts are ranked against every upload.
var DefaultThreatPrompts = []string{
	"a photo of a weapon", "a gun", "a tank", "a missile", "a drone", "fire", "smoke",
	"soldiers", "intruder", "damaged building", "explosion", "attack", "breach",
}

// DefaultScenePrompts describe the surrounding terrain.
var DefaultScenePrompts = []string{
	"a satellite image of a road", "a building", "a tree", "a field", "grass", "water",
	"a vehicle", "a person", "a shadow", "a cloud", "a structure", "a cluster",
}

// Config holds the configuration for the application.
type Config struct {
	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`

	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	LogLevel      string `mapstructure:"log_level"`
	Server        struct {
		Addr        string   `mapstructure:"addr"`
		CORSOrigins []string `mapstructure:"cors_origins"`
	} `mapstructure:"server"`
	Storage struct {
		Driver    string `mapstructure:"driver"`
		BadgerDir string `mapstructure:"badger_dir"`
	} `mapstructure:"storage"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	CLIP struct {
		URL        string  `mapstructure:"url"`
		Model      string  `mapstructure:"model"`
		TimeoutSec int     `mapstructure:"timeout_sec"`
		MaxRetries uint64  `mapstructure:"max_retries"`
		CacheSize  int     `mapstructure:"cache_size"`
		// Similarity is "dot" (raw embedding product) or "cosine".
		Similarity string `mapstructure:"similarity"`
		// LogitScale multiplies the similarity before softmax; 0 picks
		// 1 for dot and 100 for cosine.
		LogitScale float64 `mapstructure:"logit_scale"`
	} `mapstructure:"clip"`
	Prompts struct {
		Threat []string `mapstructure:"threat"`
		Scene  []string `mapstructure:"scene"`
	} `mapstructure:"prompts"`
	Upload struct {
		StaticDir  string `mapstructure:"static_dir"`
		UploadsDir string `mapstructure:"uploads_dir"`
		MaxBytes   int64  `mapstructure:"max_bytes"`
		MaxSide    int    `mapstructure:"max_side"`
		MaxPixels  int    `mapstructure:"max_pixels"`
	} `mapstructure:"upload"`
	Segment struct {
		ImagePath string `mapstructure:"image_path"`
	} `mapstructure:"segment"`
	Web struct {
		TemplatesDir string `mapstructure:"templates_dir"`
		OpenAPIPath  string `mapstructure:"openapi_path"`
	} `mapstructure:"web"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// IsDev reports whether the service runs in a development environment.
func (c *Config) IsDev() bool {
	return strings.ToUpper(c.Environment) == "DEV"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("storage.driver", "badger")
	v.SetDefault("storage.badger_dir", "data/inteltrace")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "inteltrace")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("clip.url", "http://127.0.0.1:5000")
	v.SetDefault("clip.model", "ViT-B/32")
	v.SetDefault("clip.timeout_sec", 30)
	v.SetDefault("clip.max_retries", 3)
	v.SetDefault("clip.cache_size", 256)
	v.SetDefault("clip.similarity", "dot")
	v.SetDefault("clip.logit_scale", 0.0)
	v.SetDefault("prompts.threat", DefaultThreatPrompts)
	v.SetDefault("prompts.scene", DefaultScenePrompts)
	v.SetDefault("upload.static_dir", "static")
	v.SetDefault("upload.uploads_dir", "static/uploads")
	v.SetDefault("upload.max_bytes", 10<<20)
	v.SetDefault("upload.max_side", 448)
	v.SetDefault("upload.max_pixels", 50_000_000)
	v.SetDefault("segment.image_path", "static/segmented.jpg")
	v.SetDefault("web.templates_dir", "web/templates")
	v.SetDefault("web.openapi_path", "api/openapi.yaml")
	v.SetDefault("tls.cert_file", "certs/server.crt")
	v.SetDefault("tls.key_file", "certs/server.key")
}

// LoadConfig loads the configuration from a file and the environment.
// An empty path searches for config.yaml in "." and "./config"; a missing
// file is not an error, defaults and INTELTRACE_* variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("inteltrace")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.File = v.ConfigFileUsed()

	config.CLIP.Similarity = strings.ToLower(strings.TrimSpace(config.CLIP.Similarity))
	if config.CLIP.Similarity != "dot" && config.CLIP.Similarity != "cosine" {
		return nil, fmt.Errorf("clip.similarity must be dot or cosine, got %q", config.CLIP.Similarity)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	iss := strings.TrimSpace(input)
	return strings.TrimRight(iss, "/")
}
