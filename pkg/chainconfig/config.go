// Copyright 2025 Certen Protocol
//
// Package chainconfig loads the per-chain configuration set (spec §6): a
// YAML file naming domain, core contract addresses, RPC endpoints, signer
// material, and reorg period per chain, loaded once at process start and
// never mutated. Grounded on pkg/config/anchor_config.go's env-substituted
// YAML loader (Duration custom (un)marshaler, `${VAR}`/`${VAR:-default}`
// regex substitution) and pkg/config/config.go's flat env-var override
// convention, generalized from CERTEN_* prefixes to the HYP_<SERVICE>_<PATH>
// convention this spec names.
package chainconfig

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling as a Go duration
// string ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// ReorgPeriod expresses finality either as a block count or a duration;
// exactly one should be set.
type ReorgPeriod struct {
	Blocks   uint64   `yaml:"blocks"`
	Duration Duration `yaml:"duration"`
}

// SignerConfig names where a chain's signing key comes from. Key is the
// hex-encoded private key (normally supplied only via env override, never
// committed to a config file).
type SignerConfig struct {
	Type string `yaml:"type"` // "hexKey", "none" (indexer-only)
	Key  string `yaml:"key"`
}

// ChainConfig is one chain's complete operating configuration.
type ChainConfig struct {
	Domain                 uint32       `yaml:"domain"`
	Name                   string       `yaml:"name"`
	Mailbox                string       `yaml:"mailbox"`
	MerkleTreeHook         string       `yaml:"merkle_tree_hook"`
	InterchainGasPaymaster string       `yaml:"interchain_gas_paymaster"`
	ValidatorAnnounce      string       `yaml:"validator_announce"`
	RPCURLs                []string     `yaml:"rpc_urls"`
	Signer                 SignerConfig `yaml:"signer"`
	ReorgPeriod            ReorgPeriod  `yaml:"reorg_period"`
	GasPrice               string       `yaml:"gas_price"`
	NativeToken            string       `yaml:"native_token"`
}

// ChainSet is every chain this process knows about, keyed by chain name.
type ChainSet struct {
	Chains map[string]ChainConfig `yaml:"chains"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads a chain set from path, substituting ${VAR}/${VAR:-default}
// references against the process environment, then applies any
// HYP_<service>_<PATH> overrides found in the environment.
func Load(path, service string) (*ChainSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chainconfig: read %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(data))

	var cs ChainSet
	if err := yaml.Unmarshal([]byte(expanded), &cs); err != nil {
		return nil, fmt.Errorf("chainconfig: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cs, service)
	return &cs, nil
}

// applyEnvOverrides walks every HYP_<SERVICE>_... environment variable and
// sets the matching field by descending the yaml tag path, e.g.
// HYP_RELAYER_CHAINS_ETHEREUM_SIGNER_KEY -> Chains["ethereum"].Signer.Key.
func applyEnvOverrides(cs *ChainSet, service string) {
	prefix := "HYP_" + strings.ToUpper(service) + "_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(parts[0], prefix)), "_")
		if err := setByPath(reflect.ValueOf(cs), path, parts[1]); err != nil {
			// a path segment that doesn't resolve (e.g. an unrelated HYP_
			// var, or a multi-word field name our single-underscore split
			// can't disambiguate) is not fatal; config files remain the
			// source of truth for anything env can't reach this way.
			continue
		}
	}
}

func setByPath(v reflect.Value, path []string, value string) error {
	if len(path) == 0 {
		return setScalar(v, value)
	}
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return fmt.Errorf("nil pointer")
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
			if tag == "" {
				tag = strings.ToLower(t.Field(i).Name)
			}
			if tag == path[0] {
				return setByPath(v.Field(i), path[1:], value)
			}
		}
		return fmt.Errorf("no field matches %q", path[0])
	case reflect.Map:
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		key := reflect.ValueOf(path[0]).Convert(v.Type().Key())
		elem := v.MapIndex(key)
		elemType := v.Type().Elem()
		var target reflect.Value
		if elem.IsValid() {
			target = reflect.New(elemType).Elem()
			target.Set(elem)
		} else {
			target = reflect.New(elemType).Elem()
		}
		if err := setByPath(target, path[1:], value); err != nil {
			return err
		}
		v.SetMapIndex(key, target)
		return nil
	default:
		return fmt.Errorf("cannot descend into %s", v.Kind())
	}
}

func setScalar(v reflect.Value, value string) error {
	if !v.CanSet() {
		return fmt.Errorf("field not settable")
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			v.Set(reflect.ValueOf(parts))
			return nil
		}
		return fmt.Errorf("unsupported slice element type %s", v.Type().Elem())
	default:
		return fmt.Errorf("unsupported scalar kind %s", v.Kind())
	}
	return nil
}
