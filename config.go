package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	adminToken    string
	bind          string
	gameConfig    string
	playbackToken string
	playbackURL   string
	port          int
	prefix        string
	profile       bool
	tlsCert       string
	tlsKey        string
	verbose       bool
	version       bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// ensureAdminToken generates a one-off bearer token when none was
// configured, so the admin surface works out of the box on a LAN host.
// The caller logs the token exactly once at startup.
func (c *Config) ensureAdminToken() (generated bool) {
	if c.adminToken != "" {
		return false
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	c.adminToken = hex.EncodeToString(buf)

	return true
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BEATSY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "beatsy",
		Short:         "A music year-guessing party game for your local network.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.adminToken, "admin-token", "", "bearer token for the admin api, generated if empty (env: BEATSY_ADMIN_TOKEN)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: BEATSY_BIND)")
	fs.StringVar(&cfg.gameConfig, "game-config", "", "path used to snapshot game settings between runs (env: BEATSY_GAME_CONFIG)")
	fs.StringVar(&cfg.playbackToken, "playback-token", "", "bearer token for the playback service (env: BEATSY_PLAYBACK_TOKEN)")
	fs.StringVar(&cfg.playbackURL, "playback-url", "", "base url of the playback service (env: BEATSY_PLAYBACK_URL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: BEATSY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: BEATSY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: BEATSY_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: BEATSY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: BEATSY_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: BEATSY_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: BEATSY_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("beatsy v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// configStore snapshots game settings to an opaque key-value file, so the
// host keeps its tunables across restarts. Round and score history is
// deliberately never written anywhere.
type configStore struct {
	path string
	v    *viper.Viper
}

func newConfigStore(path string) *configStore {
	return &configStore{
		path: path,
		v:    viper.New(),
	}
}

// load overlays any previously saved settings onto settings. A missing
// file is not an error; the defaults stand.
func (s *configStore) load(settings *GameSettings) error {
	if s == nil || s.path == "" {
		return nil
	}

	s.v.SetConfigFile(s.path)
	s.v.SetConfigType("yaml")

	if err := s.v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	if s.v.IsSet("timer_duration") {
		settings.TimerDuration = s.v.GetDuration("timer_duration")
	}
	if s.v.IsSet("year_range_min") {
		settings.YearRangeMin = s.v.GetInt("year_range_min")
	}
	if s.v.IsSet("year_range_max") {
		settings.YearRangeMax = s.v.GetInt("year_range_max")
	}
	if s.v.IsSet("exact_points") {
		settings.ExactPoints = s.v.GetInt("exact_points")
	}
	if s.v.IsSet("close_points") {
		settings.ClosePoints = s.v.GetInt("close_points")
	}
	if s.v.IsSet("near_points") {
		settings.NearPoints = s.v.GetInt("near_points")
	}
	if s.v.IsSet("bet_multiplier") {
		settings.BetMultiplier = s.v.GetInt("bet_multiplier")
	}
	if s.v.IsSet("target_id") {
		settings.TargetID = s.v.GetString("target_id")
	}
	if s.v.IsSet("playlist_id") {
		settings.PlaylistID = s.v.GetString("playlist_id")
	}

	return settings.validate()
}

func (s *configStore) save(settings GameSettings) error {
	if s == nil || s.path == "" {
		return nil
	}

	s.v.SetConfigFile(s.path)
	s.v.SetConfigType("yaml")

	s.v.Set("timer_duration", settings.TimerDuration.String())
	s.v.Set("year_range_min", settings.YearRangeMin)
	s.v.Set("year_range_max", settings.YearRangeMax)
	s.v.Set("exact_points", settings.ExactPoints)
	s.v.Set("close_points", settings.ClosePoints)
	s.v.Set("near_points", settings.NearPoints)
	s.v.Set("bet_multiplier", settings.BetMultiplier)
	s.v.Set("target_id", settings.TargetID)
	s.v.Set("playlist_id", settings.PlaylistID)

	return s.v.WriteConfigAs(s.path)
}

const (
	minTimerDuration = 10 * time.Second
	maxTimerDuration = 120 * time.Second
)
