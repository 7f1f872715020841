package config

import (
	"errors"
	"os"
)

type Config struct {
	ListenAddr   string
	DBURL        string
	TLSCertPath  string
	TLSKeyPath   string
	VAPIDPublic  string
	VAPIDPrivate string
	VAPIDSubject string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:   ":3001",
		DBURL:        os.Getenv("CHATAPP_DB_URL"),
		TLSCertPath:  os.Getenv("CHATAPP_TLS_CERT"),
		TLSKeyPath:   os.Getenv("CHATAPP_TLS_KEY"),
		VAPIDPublic:  os.Getenv("CHATAPP_VAPID_PUBLIC"),
		VAPIDPrivate: os.Getenv("CHATAPP_VAPID_PRIVATE"),
		VAPIDSubject: os.Getenv("CHATAPP_VAPID_SUBJECT"),
	}

	if v := os.Getenv("CHATAPP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.DBURL == "" {
		return errors.New("db url is required")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	if (c.VAPIDPublic == "") != (c.VAPIDPrivate == "") {
		return errors.New("both vapid public and private keys are required when enabling push")
	}
	if c.VAPIDPublic != "" && c.VAPIDSubject == "" {
		return errors.New("vapid subject is required when enabling push")
	}
	return nil
}

// PushEnabled reports whether web push can be dispatched.
func (c Config) PushEnabled() bool {
	return c.VAPIDPublic != "" && c.VAPIDPrivate != ""
}
