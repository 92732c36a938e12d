package latex

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds LaTeX API configuration from environment variables.
type Config struct {
	Addr            string
	LatexTempDir    string
	StylesDir       string
	PolicyFile      string
	Engine          string
	Rasterizer      string
	CompileTimeout  time.Duration // /compile engine run
	DocumentTimeout time.Duration // /compile-tex engine run
	RasterTimeout   time.Duration
	WorkerPoolSize  int // concurrent engine runs, 0 = unbounded
	MaxRequestBytes int64
	AllowedOrigins  []string
	HistoryDB       string
	S3              S3Config
}

// S3Config holds the optional artifact archive settings.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Enabled reports whether an archive bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// LoadConfig reads configuration from LATEX_* environment variables.
func LoadConfig() *Config {
	v := viper.New()
	v.SetEnvPrefix("LATEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("temp_dir", "/tmp/latex-jobs")
	v.SetDefault("styles_dir", "app/styles")
	v.SetDefault("policy_file", "")
	v.SetDefault("engine", "pdflatex")
	v.SetDefault("rasterizer", "pdftocairo")
	v.SetDefault("timeout_seconds", 90)
	v.SetDefault("document_timeout_seconds", 180)
	v.SetDefault("raster_timeout_seconds", 60)
	v.SetDefault("worker_pool_size", 4)
	v.SetDefault("max_request_mb", 64)
	v.SetDefault("allowed_origins", "*")
	v.SetDefault("history_db", "")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.prefix", "renders/")

	return &Config{
		Addr:            v.GetString("addr"),
		LatexTempDir:    v.GetString("temp_dir"),
		StylesDir:       v.GetString("styles_dir"),
		PolicyFile:      v.GetString("policy_file"),
		Engine:          v.GetString("engine"),
		Rasterizer:      v.GetString("rasterizer"),
		CompileTimeout:  seconds(v, "timeout_seconds"),
		DocumentTimeout: seconds(v, "document_timeout_seconds"),
		RasterTimeout:   seconds(v, "raster_timeout_seconds"),
		WorkerPoolSize:  v.GetInt("worker_pool_size"),
		MaxRequestBytes: v.GetInt64("max_request_mb") << 20,
		AllowedOrigins:  splitList(v.GetString("allowed_origins")),
		HistoryDB:       v.GetString("history_db"),
		S3: S3Config{
			Bucket:    v.GetString("s3.bucket"),
			Region:    v.GetString("s3.region"),
			Endpoint:  v.GetString("s3.endpoint"),
			AccessKey: v.GetString("s3.access_key"),
			SecretKey: v.GetString("s3.secret_key"),
			Prefix:    v.GetString("s3.prefix"),
		},
	}
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
