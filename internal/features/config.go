package features

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"postrelay/internal/models"
)

const (
	envPrefix     = "POSTRELAY_FEATURE_"
	envEnableAll  = "POSTRELAY_FEATURES_ENABLE_ALL"
	envDisableAll = "POSTRELAY_FEATURES_DISABLE_ALL"
)

// LoadFromConfig applies configuration to the flag manager. Unknown flag
// names are rejected so a typo in the config file does not silently pass.
func (fm *FlagManager) LoadFromConfig(config models.FeaturesConfig) error {
	if err := ValidateConfig(config); err != nil {
		return err
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	now := time.Now()
	for flagName, enabled := range config.Flags {
		flag, exists := fm.flags[strings.ToLower(flagName)]
		if !exists {
			return ErrFlagNotFound{Name: flagName}
		}
		flag.Enabled = enabled
		flag.UpdatedAt = now
	}

	if config.EnableAll || config.DisableAll {
		fm.setAllLocked(config.EnableAll, now)
	}
	return nil
}

// LoadFromEnvironment applies overrides in the form
// POSTRELAY_FEATURE_<FLAG_NAME>=true|false, plus the ENABLE_ALL and
// DISABLE_ALL switches which take precedence over individual flags.
func (fm *FlagManager) LoadFromEnvironment() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	now := time.Now()
	if all, _ := strconv.ParseBool(os.Getenv(envEnableAll)); all {
		fm.setAllLocked(true, now)
		return
	}
	if none, _ := strconv.ParseBool(os.Getenv(envDisableAll)); none {
		fm.setAllLocked(false, now)
		return
	}

	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}

		flagName := strings.ToLower(strings.TrimPrefix(key, envPrefix))
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			continue
		}
		if flag, exists := fm.flags[flagName]; exists {
			flag.Enabled = enabled
			flag.UpdatedAt = now
		}
	}
}

func (fm *FlagManager) setAllLocked(enabled bool, now time.Time) {
	for _, flag := range fm.flags {
		flag.Enabled = enabled
		flag.UpdatedAt = now
	}
}

// ToConfig exports current flag state as configuration
func (fm *FlagManager) ToConfig() models.FeaturesConfig {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	config := models.FeaturesConfig{Flags: make(map[string]bool, len(fm.flags))}
	for name, flag := range fm.flags {
		config.Flags[name] = flag.Enabled
	}
	return config
}

// ValidateConfig validates feature flags configuration
func ValidateConfig(config models.FeaturesConfig) error {
	if config.EnableAll && config.DisableAll {
		return fmt.Errorf("cannot set both enable_all and disable_all to true")
	}
	for flagName := range config.Flags {
		if defaultIndex(strings.ToLower(flagName)) < 0 {
			return ErrFlagNotFound{Name: flagName}
		}
	}
	return nil
}

// FromConfig builds a manager from defaults, then the config file, then the
// environment
func FromConfig(config models.FeaturesConfig) (*FlagManager, error) {
	fm := NewFlagManager()
	if err := fm.LoadFromConfig(config); err != nil {
		return nil, err
	}
	fm.LoadFromEnvironment()
	return fm, nil
}

func defaultIndex(flagName string) int {
	for i, def := range DefaultFlags {
		if def.Name == flagName {
			return i
		}
	}
	return -1
}
