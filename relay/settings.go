package relay

import (
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/coder/aisrelay/feed"
)

// Setting keys accepted by SetConfig. Lookups ignore case, underscores,
// dashes and any dotted prefix, so "eu.plugins.ais.HOST" sets KeyHost.
const (
	KeyHost                  = "host"
	KeyPort                  = "port"
	KeyUsername              = "username"
	KeyPassword              = "password"
	KeyOnlyFishingVessels    = "only_fishing_vessels"
	KeyHomeFlagState         = "home_flag_state"
	KeyPluginName            = "plugin_name"
	KeySuperviseInterval     = "supervise_interval"
	KeyShortBackoff          = "short_backoff"
	KeyLongBackoff           = "long_backoff"
	KeyMovementFlushInterval = "movement_flush_interval"
	KeyFishingFlushInterval  = "fishing_flush_interval"
	KeyStaticFlushInterval   = "static_flush_interval"
	KeyRetryInterval         = "retry_interval"
)

// keyAliases maps normalized keys to canonical ones.
var keyAliases = map[string]string{
	"onlyaisfromfishingvessels": KeyOnlyFishingVessels,
}

func init() {
	for _, k := range []string{
		KeyHost, KeyPort, KeyUsername, KeyPassword, KeyOnlyFishingVessels,
		KeyHomeFlagState, KeyPluginName, KeySuperviseInterval, KeyShortBackoff,
		KeyLongBackoff, KeyMovementFlushInterval, KeyFishingFlushInterval,
		KeyStaticFlushInterval, KeyRetryInterval,
	} {
		keyAliases[normalizeKey(k)] = k
	}
}

func normalizeKey(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	key = strings.ToLower(key)
	return strings.NewReplacer("_", "", "-", "").Replace(key)
}

// CanonicalKey returns the setting a key refers to, if any.
func CanonicalKey(key string) (string, bool) {
	k, ok := keyAliases[normalizeKey(key)]
	return k, ok
}

type Settings struct {
	Host               string `yaml:"host" validate:"omitempty,hostname|ip"`
	Port               int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	OnlyFishingVessels bool   `yaml:"only_fishing_vessels"`
	HomeFlagState      string `yaml:"home_flag_state" validate:"omitempty,len=3,alpha"`
	PluginName         string `yaml:"plugin_name" validate:"required"`

	SuperviseInterval     time.Duration `yaml:"supervise_interval" validate:"gt=0"`
	ShortBackoff          time.Duration `yaml:"short_backoff" validate:"gt=0"`
	LongBackoff           time.Duration `yaml:"long_backoff" validate:"gt=0"`
	MovementFlushInterval time.Duration `yaml:"movement_flush_interval" validate:"gt=0"`
	FishingFlushInterval  time.Duration `yaml:"fishing_flush_interval" validate:"gt=0"`
	StaticFlushInterval   time.Duration `yaml:"static_flush_interval" validate:"gt=0"`
	RetryInterval         time.Duration `yaml:"retry_interval" validate:"gt=0"`
}

const DefaultPluginName = "eu.europa.ec.fisheries.uvms.plugins.ais"

func DefaultSettings() Settings {
	return Settings{
		PluginName:            DefaultPluginName,
		SuperviseInterval:     15 * time.Second,
		ShortBackoff:          feed.DefaultShortBackoff,
		LongBackoff:           feed.DefaultLongBackoff,
		MovementFlushInterval: 5 * time.Minute,
		FishingFlushInterval:  time.Minute,
		StaticFlushInterval:   6 * time.Minute,
		RetryInterval:         15 * time.Minute,
	}
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
	})
	return v
}()

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return xerrors.Errorf("invalid settings: %w", err)
	}
	return nil
}

func (s Settings) Endpoint() feed.Endpoint {
	return feed.Endpoint{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
	}
}

// Apply returns a copy of s with key set to value.
func (s Settings) Apply(key, value string) (Settings, error) {
	canonical, ok := CanonicalKey(key)
	if !ok {
		return s, xerrors.Errorf("unknown setting %q", key)
	}
	value = strings.TrimSpace(value)
	switch canonical {
	case KeyHost:
		s.Host = value
	case KeyPort:
		port, err := strconv.Atoi(value)
		if err != nil {
			return s, xerrors.Errorf("parse port %q: %w", value, err)
		}
		s.Port = port
	case KeyUsername:
		s.Username = value
	case KeyPassword:
		s.Password = value
	case KeyOnlyFishingVessels:
		s.OnlyFishingVessels = strings.EqualFold(value, "true")
	case KeyHomeFlagState:
		s.HomeFlagState = strings.ToUpper(value)
	case KeyPluginName:
		s.PluginName = value
	default:
		d, err := time.ParseDuration(value)
		if err != nil {
			return s, xerrors.Errorf("parse %s %q: %w", canonical, value, err)
		}
		*s.duration(canonical) = d
	}
	return s, nil
}

func (s *Settings) duration(key string) *time.Duration {
	switch key {
	case KeySuperviseInterval:
		return &s.SuperviseInterval
	case KeyShortBackoff:
		return &s.ShortBackoff
	case KeyLongBackoff:
		return &s.LongBackoff
	case KeyMovementFlushInterval:
		return &s.MovementFlushInterval
	case KeyFishingFlushInterval:
		return &s.FishingFlushInterval
	case KeyStaticFlushInterval:
		return &s.StaticFlushInterval
	case KeyRetryInterval:
		return &s.RetryInterval
	}
	panic("unknown duration setting " + key)
}

// Values renders the settings as key/value pairs with the password
// redacted.
func (s Settings) Values() map[string]string {
	password := ""
	if s.Password != "" {
		password = "********"
	}
	return map[string]string{
		KeyHost:                  s.Host,
		KeyPort:                  strconv.Itoa(s.Port),
		KeyUsername:              s.Username,
		KeyPassword:              password,
		KeyOnlyFishingVessels:    strconv.FormatBool(s.OnlyFishingVessels),
		KeyHomeFlagState:         s.HomeFlagState,
		KeyPluginName:            s.PluginName,
		KeySuperviseInterval:     s.SuperviseInterval.String(),
		KeyShortBackoff:          s.ShortBackoff.String(),
		KeyLongBackoff:           s.LongBackoff.String(),
		KeyMovementFlushInterval: s.MovementFlushInterval.String(),
		KeyFishingFlushInterval:  s.FishingFlushInterval.String(),
		KeyStaticFlushInterval:   s.StaticFlushInterval.String(),
		KeyRetryInterval:         s.RetryInterval.String(),
	}
}

// Keys returns the canonical setting keys in sorted order.
func Keys() []string {
	seen := make(map[string]struct{}, len(keyAliases))
	keys := make([]string, 0, len(keyAliases))
	for _, k := range keyAliases {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadSettingsFile overlays the YAML document at path onto base. Keys absent
// from the file keep their value in base.
func LoadSettingsFile(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, xerrors.Errorf("read settings file: %w", err)
	}
	s := base
	if err := yaml.Unmarshal(data, &s); err != nil {
		return base, xerrors.Errorf("parse settings file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return base, err
	}
	return s, nil
}
