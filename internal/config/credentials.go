package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"

	"gopkg.in/yaml.v2"
)

// Credentials are the data-source secrets read from the YAML credentials
// file.
type Credentials struct {
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	// MySQLDSN enables the relational source for SQL builders.
	MySQLDSN string `yaml:"mysql_dsn"`

	// RedisAddr enables the shared metadata cache.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
}

// LoadCredentials reads and checks the credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credentials file can not be read: %w", err)
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("credentials %s: %w", path, err)
	}
	return &c, nil
}

func (c *Credentials) validate() error {
	switch {
	case c.DBHost == "":
		return errors.New("db_host is required")
	case c.DBUser == "":
		return errors.New("db_user is required")
	case c.DBPassword == "":
		return errors.New("db_password is required")
	case c.DBName == "":
		return errors.New("db_name is required")
	}
	return nil
}

// PostgresDSN returns the document store connection URL.
func (c *Credentials) PostgresDSN() string {
	port := c.DBPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}
