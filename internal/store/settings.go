package store

// LoadSetting and SaveSetting back the auth package's SettingsReader
// interface using the same kvp bucket InsertVersion's high-water mark
// lives in, prefixed to keep the namespaces apart.
const settingKeyPrefix = "setting::"

func (s *Store) LoadSetting(key string) (string, error) {
	v, err := s.GetKVP(settingKeyPrefix + key)
	if err != nil || v == nil {
		return "", err
	}
	return string(v), nil
}

func (s *Store) SaveSetting(key, value string) error {
	return s.PutKVP(settingKeyPrefix+key, []byte(value))
}
