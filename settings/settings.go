package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"EzMMLab/bridge"
	"EzMMLab/checkpoint"
	"EzMMLab/logger"
	"EzMMLab/registry"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

const (
	// DefaultFile is read from the working directory when present.
	DefaultFile = "ezmm.yaml"
	// PathEnv overrides the settings file location.
	PathEnv   = "EZMM_CONFIG"
	envPrefix = "EZMM_"
)

type FrameworkSettings struct {
	MMDetRoot  string `koanf:"mmdet_root"`
	MMPoseRoot string `koanf:"mmpose_root"`
}

type CheckpointSettings struct {
	Dir              string        `koanf:"dir"`
	RedirectRelative bool          `koanf:"redirect_relative"`
	Timeout          time.Duration `koanf:"timeout"`
}

type BridgeSettings struct {
	Python string `koanf:"python"`
}

type ServerSettings struct {
	Port        int           `koanf:"port"`
	MetricsPort int           `koanf:"metrics_port"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

type LogSettings struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Settings configures the tool itself, as opposed to a training run.
type Settings struct {
	Frameworks  FrameworkSettings  `koanf:"frameworks"`
	Checkpoints CheckpointSettings `koanf:"checkpoints"`
	Bridge      BridgeSettings     `koanf:"bridge"`
	Server      ServerSettings     `koanf:"server"`
	Log         LogSettings        `koanf:"log"`
}

func Default() Settings {
	return Settings{
		Frameworks: FrameworkSettings{
			MMDetRoot:  "libs/mmdetection",
			MMPoseRoot: "libs/mmpose",
		},
		Checkpoints: CheckpointSettings{
			Dir:     checkpoint.DefaultDir,
			Timeout: checkpoint.DefaultTimeout,
		},
		Bridge: BridgeSettings{Python: bridge.DefaultPython},
		Server: ServerSettings{
			Port:        8080,
			MetricsPort: 9090,
			IdleTimeout: 60 * time.Second,
		},
		Log: LogSettings{Level: "INFO"},
	}
}

// Load layers defaults, the settings file and EZMM_* variables, in that
// order. An empty path means $EZMM_CONFIG or ./ezmm.yaml, both optional;
// an explicit path must exist.
func Load(path string) (Settings, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnv)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultFile
	}
	var provider koanf.Provider
	if _, err := os.Stat(path); err == nil {
		provider = file.Provider(path)
	} else if explicit || !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("reading settings %s: %w", path, err)
	}
	return load(provider)
}

// load is Load over an arbitrary yaml provider; nil means defaults and
// environment only.
func load(provider koanf.Provider) (Settings, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("loading default settings: %w", err)
	}
	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return Settings{}, fmt.Errorf("loading settings: %w", err)
		}
	}
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return Settings{}, fmt.Errorf("loading env settings: %w", err)
	}
	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	return s, nil
}

// Roots locates each framework checkout. A root that cannot be found is
// kept as configured so the config loader reports it when first used.
func (s Settings) Roots() registry.Roots {
	roots := registry.Roots{}
	for fw, preferred := range map[registry.Framework]string{
		registry.MMDet:  s.Frameworks.MMDetRoot,
		registry.MMPose: s.Frameworks.MMPoseRoot,
	} {
		found, err := registry.LocateRoot(preferred)
		if err != nil {
			logger.Log().Debug("framework root not located", zap.String("framework", string(fw)), zap.Error(err))
			found = preferred
		}
		roots[fw] = found
	}
	return roots
}

func (s Settings) CheckpointOptions() checkpoint.Options {
	return checkpoint.Options{
		Dir:              s.Checkpoints.Dir,
		RedirectRelative: s.Checkpoints.RedirectRelative,
		Timeout:          s.Checkpoints.Timeout,
	}
}

func (s Settings) BridgeOptions() bridge.Options {
	return bridge.Options{Python: s.Bridge.Python}
}
