package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"EMS-backend/internal/shifts"
)

const (
	driverName     = "mysql"
	configFilePath = "config/config.yaml"
	defaultTZ      = "Asia/Tokyo"
)

type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,gt=0,lt=65536"`
	Username string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname" validate:"required"`
}

type Certs struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" validate:"required,min=16"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type PhotoConfig struct {
	Dir         string `yaml:"dir" validate:"required"`
	MaxWidth    int    `yaml:"max_width" validate:"gte=0"`
	MaxHeight   int    `yaml:"max_height" validate:"gte=0"`
	JPEGQuality int    `yaml:"jpeg_quality" validate:"gte=0,lte=100"`
	MaxBytes    int    `yaml:"max_bytes" validate:"gte=0"`
}

type Config struct {
	Version     string         `yaml:"version"`
	Mode        string         `yaml:"mode" validate:"oneof=dev release"`
	Timezone    string         `yaml:"timezone"`
	Server      ServerConfig   `yaml:"server"`
	DB          DatabaseConfig `yaml:"database"`
	Certificate Certs          `yaml:"certificate"`
	Auth        AuthConfig     `yaml:"auth"`
	Photos      PhotoConfig    `yaml:"photos"`
	Shifts      []shifts.Shift `yaml:"shifts"`

	loc *time.Location
}

// LoadConfig: YAML を読み、.env / 環境変数で秘密情報を上書きしてから検証する
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = configFilePath
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込み失敗: %w", err)
	}
	if err := godotenv.Load(); err != nil {
		log.Println("[INFO] .env not found, using process environment")
	}
	return ParseConfig(buf, os.Getenv)
}

func ParseConfig(buf []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルのパース失敗: %w", err)
	}

	if v := getenv("DB_PASSWORD"); v != "" {
		cfg.DB.Password = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("設定値が不正です: %w", err)
	}
	if err := shifts.ValidateShifts(cfg.Shifts); err != nil {
		return nil, fmt.Errorf("シフト設定が不正です: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	cfg.loc = loc
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "dev"
	}
	if c.Timezone == "" {
		c.Timezone = defaultTZ
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Photos.Dir == "" {
		c.Photos.Dir = "data/photos"
	}
	if len(c.Shifts) == 0 {
		c.Shifts = shifts.DefaultShifts()
	}
}

// Location: シフト判定・日付計算に使う壁時計のタイムゾーン
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

func (c *Config) TLSEnabled() bool {
	return c.Certificate.Cert != "" && c.Certificate.Key != ""
}

func Connect(c DatabaseConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=false&timeout=3s&readTimeout=5s&writeTimeout=5s&loc=UTC",
		c.Username, c.Password, c.Host, c.Port, c.DBName)

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("接続準備に失敗: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("DB接続に失敗: %w", err)
	}

	// 接続プール（合算がMySQLの max_connections を超えないよう配分する）
	db.SetMaxOpenConns(40)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}
