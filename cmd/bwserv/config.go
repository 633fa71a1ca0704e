package main

import (
	"flag"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"badc0de.net/pkg/go-bigworld/endpoint"
)

// setDefaults registers every endpoint setting with viper. Registering them is what makes BW_* environment variables visible to Unmarshal.
func setDefaults(v *viper.Viper, cfg endpoint.Config) {
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("queue_size", cfg.QueueSize)
	v.SetDefault("overflow", string(cfg.Overflow))
	v.SetDefault("block_timeout", cfg.BlockTimeout)
	v.SetDefault("tick_interval", cfg.TickInterval)
	v.SetDefault("idle_timeout", cfg.IdleTimeout)
	v.SetDefault("fragment_timeout", cfg.FragmentTimeout)
	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("max_payload", cfg.MaxPayload)
	v.SetDefault("cipher", cfg.Cipher)
	v.SetDefault("checksum", cfg.Checksum)
	v.SetDefault("read_batch", cfg.ReadBatch)
	v.SetDefault("receive_buffer", cfg.ReceiveBuffer)
}

// loadConfig merges, from lowest to highest precedence: built-in defaults,
// the config file (if path is set), BW_* environment variables, and flags
// set explicitly on fs. Flags are mapped to keys by flagKeys.
func loadConfig(path string, fs *flag.FlagSet, flagKeys map[string]string) (endpoint.Config, error) {
	cfg := endpoint.DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix("BW")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "reading config %s", path)
		}
	}

	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding config")
	}
	return cfg, cfg.Validate()
}
