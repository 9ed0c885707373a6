package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// ProgramConfig carries the deployed program ids shared by every binary.
type ProgramConfig struct {
	Orderbook         solana.PublicKey
	ConfidentialToken solana.PublicKey
	Lightning         solana.PublicKey
	Wrap              solana.PublicKey
}

type RelayConfig struct {
	ListenAddr                    string
	RPCURL                        string
	Commitment                    rpc.CommitmentType
	AuthorityKeypairPath          string
	DBDSN                         string
	TxTimeout                     time.Duration
	SkipPreflight                 bool
	MaxRetries                    *uint
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	ReadTimeout                   time.Duration
	WriteTimeout                  time.Duration
	IdleTimeout                   time.Duration
	PushInterval                  time.Duration
	AllowedOrigins                []string
	Programs                      ProgramConfig
	Log                           LogConfig
}

type TraderConfig struct {
	RPCURL                        string
	Commitment                    rpc.CommitmentType
	KeypairPath                   string
	RelayURL                      string
	RelayTimeout                  time.Duration
	EncryptionURL                 string
	DecryptionURL                 string
	ProverURL                     string
	TreeURL                       string
	ProverTimeout                 time.Duration
	ServiceTimeout                time.Duration
	NotesPath                     string
	TxTimeout                     time.Duration
	SkipPreflight                 bool
	MaxRetries                    *uint
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	DecryptAttempts               int
	DecryptDelay                  time.Duration
	StaleAttempts                 int
	Programs                      ProgramConfig
	Log                           LogConfig
}

var (
	defaultOrderbookProgramID         = solana.MustPublicKeyFromBase58("2UgzmTuEDQxftNEBBiyAcguGUixNqfWop3Y1fm72w5zE")
	defaultConfidentialTokenProgramID = solana.MustPublicKeyFromBase58("CaWhtCyyodkFCtmy8JwChPy8r6TZdaggTF5joL1gNcLg")
	defaultLightningProgramID         = solana.MustPublicKeyFromBase58("5vJnj3PgpYUdnS6ZVu6Fp64s5p4vcpUBNRtdvF3LYaJD")
	defaultWrapProgramID              = solana.MustPublicKeyFromBase58("77A4VWP39xpRni8fk7jnCBa9HJpDBjp4Y4YQK1CjAFat")
)

func LoadRelayConfig() (RelayConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return RelayConfig{}, err
	}

	keypairPath := envOrDefault("RELAY_AUTHORITY_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	keypairPath = maybeUseLocalSecretKeypair(keypairPath)
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return RelayConfig{}, fmt.Errorf("expand authority keypair path: %w", err)
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return RelayConfig{}, err
	}

	txTimeout, err := envDuration("RELAY_TX_TIMEOUT", 45*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	skipPreflight, err := envBool("RELAY_SKIP_PREFLIGHT", false)
	if err != nil {
		return RelayConfig{}, err
	}

	maxRetries, err := envOptionalUint("RELAY_MAX_RETRIES")
	if err != nil {
		return RelayConfig{}, err
	}

	cuLimit, err := envUint32("RELAY_COMPUTE_UNIT_LIMIT", 0)
	if err != nil {
		return RelayConfig{}, err
	}

	cuPrice, err := envUint64("RELAY_COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 0)
	if err != nil {
		return RelayConfig{}, err
	}

	readTimeout, err := envDuration("RELAY_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}
	// Settlement holds the request open across every step.
	writeTimeout, err := envDuration("RELAY_WRITE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return RelayConfig{}, err
	}
	idleTimeout, err := envDuration("RELAY_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}
	pushInterval, err := envDuration("RELAY_PUSH_INTERVAL", 2*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	programs, err := loadProgramConfig()
	if err != nil {
		return RelayConfig{}, err
	}

	allowedOrigins := parseCSVEnv(envOrDefault("RELAY_ALLOWED_ORIGINS", ""), []string{"*"})

	return RelayConfig{
		ListenAddr:                    envOrDefault("RELAY_LISTEN_ADDR", ":8090"),
		RPCURL:                        envOrDefault("SOLANA_RPC_URL", "http://127.0.0.1:8899"),
		Commitment:                    commitment,
		AuthorityKeypairPath:          expandedKeypair,
		DBDSN:                         envOrDefault("RELAY_DB_DSN", ""),
		TxTimeout:                     txTimeout,
		SkipPreflight:                 skipPreflight,
		MaxRetries:                    maxRetries,
		ComputeUnitLimit:              cuLimit,
		ComputeUnitPriceMicroLamports: cuPrice,
		ReadTimeout:                   readTimeout,
		WriteTimeout:                  writeTimeout,
		IdleTimeout:                   idleTimeout,
		PushInterval:                  pushInterval,
		AllowedOrigins:                allowedOrigins,
		Programs:                      programs,
		Log:                           buildLogConfig("RELAY", "relay-server"),
	}, nil
}

func LoadTraderConfig() (TraderConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return TraderConfig{}, err
	}

	keypairPath := envOrDefault("TRADER_KEYPAIR_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	keypairPath = maybeUseLocalSecretKeypair(keypairPath)
	expandedKeypair, err := expandHomePath(keypairPath)
	if err != nil {
		return TraderConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	notesPath, err := expandHomePath(envOrDefault("TRADER_NOTES_PATH", filepath.Join("~", ".confidex", "notes")))
	if err != nil {
		return TraderConfig{}, fmt.Errorf("expand notes path: %w", err)
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return TraderConfig{}, err
	}

	txTimeout, err := envDuration("TRADER_TX_TIMEOUT", 45*time.Second)
	if err != nil {
		return TraderConfig{}, err
	}

	relayTimeout, err := envDuration("TRADER_RELAY_TIMEOUT", 3*time.Minute)
	if err != nil {
		return TraderConfig{}, err
	}

	serviceTimeout, err := envDuration("TRADER_SERVICE_TIMEOUT", 20*time.Second)
	if err != nil {
		return TraderConfig{}, err
	}

	proverTimeout, err := envDuration("TRADER_PROVER_TIMEOUT", 2*time.Minute)
	if err != nil {
		return TraderConfig{}, err
	}

	skipPreflight, err := envBool("TRADER_SKIP_PREFLIGHT", false)
	if err != nil {
		return TraderConfig{}, err
	}

	maxRetries, err := envOptionalUint("TRADER_MAX_RETRIES")
	if err != nil {
		return TraderConfig{}, err
	}

	cuLimit, err := envUint32("TRADER_COMPUTE_UNIT_LIMIT", 0)
	if err != nil {
		return TraderConfig{}, err
	}

	cuPrice, err := envUint64("TRADER_COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 0)
	if err != nil {
		return TraderConfig{}, err
	}

	decryptAttempts, err := envInt("TRADER_DECRYPT_ATTEMPTS", 5)
	if err != nil {
		return TraderConfig{}, err
	}

	decryptDelay, err := envDuration("TRADER_DECRYPT_DELAY", 1500*time.Millisecond)
	if err != nil {
		return TraderConfig{}, err
	}

	staleAttempts, err := envInt("TRADER_STALE_ATTEMPTS", 3)
	if err != nil {
		return TraderConfig{}, err
	}

	programs, err := loadProgramConfig()
	if err != nil {
		return TraderConfig{}, err
	}

	return TraderConfig{
		RPCURL:                        envOrDefault("SOLANA_RPC_URL", "http://127.0.0.1:8899"),
		Commitment:                    commitment,
		KeypairPath:                   expandedKeypair,
		RelayURL:                      envOrDefault("TRADER_RELAY_URL", "http://127.0.0.1:8090"),
		RelayTimeout:                  relayTimeout,
		EncryptionURL:                 envOrDefault("TRADER_ENCRYPTION_URL", "http://127.0.0.1:8091"),
		DecryptionURL:                 envOrDefault("TRADER_DECRYPTION_URL", "http://127.0.0.1:8092"),
		ProverURL:                     envOrDefault("TRADER_PROVER_URL", "http://127.0.0.1:8093"),
		TreeURL:                       envOrDefault("TRADER_TREE_URL", "http://127.0.0.1:8094"),
		ProverTimeout:                 proverTimeout,
		ServiceTimeout:                serviceTimeout,
		NotesPath:                     notesPath,
		TxTimeout:                     txTimeout,
		SkipPreflight:                 skipPreflight,
		MaxRetries:                    maxRetries,
		ComputeUnitLimit:              cuLimit,
		ComputeUnitPriceMicroLamports: cuPrice,
		DecryptAttempts:               decryptAttempts,
		DecryptDelay:                  decryptDelay,
		StaleAttempts:                 staleAttempts,
		Programs:                      programs,
		Log:                           buildLogConfig("TRADER", "trader"),
	}, nil
}

func loadProgramConfig() (ProgramConfig, error) {
	orderbookProgramID, err := envPubkey("ORDERBOOK_PROGRAM_ID", defaultOrderbookProgramID)
	if err != nil {
		return ProgramConfig{}, err
	}
	confidentialProgramID, err := envPubkey("CONFIDENTIAL_TOKEN_PROGRAM_ID", defaultConfidentialTokenProgramID)
	if err != nil {
		return ProgramConfig{}, err
	}
	lightningProgramID, err := envPubkey("LIGHTNING_PROGRAM_ID", defaultLightningProgramID)
	if err != nil {
		return ProgramConfig{}, err
	}
	wrapProgramID, err := envPubkey("WRAP_PROGRAM_ID", defaultWrapProgramID)
	if err != nil {
		return ProgramConfig{}, err
	}
	return ProgramConfig{
		Orderbook:         orderbookProgramID,
		ConfidentialToken: confidentialProgramID,
		Lightning:         lightningProgramID,
		Wrap:              wrapProgramID,
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envOptionalUint(key string) (*uint, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	out := uint(v)
	return &out, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}

func maybeUseLocalSecretKeypair(current string) string {
	expandedCurrent, err := expandHomePath(current)
	if err != nil {
		return current
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return current
	}
	defaultHomePath := filepath.Join(homeDir, ".config", "solana", "id.json")
	if filepath.Clean(expandedCurrent) != filepath.Clean(defaultHomePath) {
		return current
	}

	for _, candidate := range []string{
		"../.local/secret/deployer-wallet.json",
		".local/secret/deployer-wallet.json",
	} {
		absoluteCandidate, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		info, err := os.Stat(absoluteCandidate)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		return absoluteCandidate
	}

	return current
}
