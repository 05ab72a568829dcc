package config

import "fmt"

// KeyInfo is one displayable setting.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists the effective value of every non-secret setting.
func ShowAll(cfg Config) []KeyInfo {
	var out []KeyInfo
	for _, s := range settings {
		if s.secret {
			continue
		}
		out = append(out, KeyInfo{Key: s.name, EnvVar: s.envVar(), Value: s.bind.get(cfg)})
	}
	return out
}

// ValidKeys returns the names accepted by SetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range settings {
		if !s.secret {
			keys = append(keys, s.name)
		}
	}
	return keys
}

// SetKey validates value and writes it to the config file.
func SetKey(key, value string) error {
	st, err := openJSONStore(configFilePath())
	if err != nil {
		return err
	}
	return setIn(st, key, value)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	st, err := openJSONStore(configFilePath())
	if err != nil {
		return err
	}
	return unsetIn(st, key)
}

func editable(key string) (setting, error) {
	s, ok := lookupSetting(key)
	if !ok {
		return setting{}, fmt.Errorf("unknown config key %q", key)
	}
	if s.secret {
		return setting{}, fmt.Errorf("%s is a secret; use `brain config token` or %s", key, s.envVar())
	}
	return s, nil
}

func setIn(st Store, key, value string) error {
	s, err := editable(key)
	if err != nil {
		return err
	}
	probe := defaults()
	if err := s.bind.set(&probe, value); err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	return st.Put(key, s.bind.get(probe))
}

func unsetIn(st Store, key string) error {
	if _, err := editable(key); err != nil {
		return err
	}
	return st.Remove(key)
}

// SaveAPIToken stores the bearer token in the secrets file under dataDir.
func SaveAPIToken(dataDir, token string) error {
	st, err := openJSONStore(secretsFilePath(dataDir))
	if err != nil {
		return err
	}
	return st.Put(tokenSetting, token)
}
