// Package wizard provides an interactive setup wizard for stunwire.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/stunwire/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Basic setup
	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	// Step 2: Roles
	roles, err := w.askRoles()
	if err != nil {
		return nil, err
	}

	// Step 3: Retransmission timing
	engine, err := w.askEngineTiming()
	if err != nil {
		return nil, err
	}

	// Step 4: Server setup (if server role)
	serverCfg := config.Default().Server
	if contains(roles, "server") {
		serverCfg, err = w.askServerConfig()
		if err != nil {
			return nil, err
		}
	}

	// Step 5: Client setup (if client role)
	var clientCfg config.ClientConfig
	if contains(roles, "client") {
		clientCfg, err = w.askClientConfig()
		if err != nil {
			return nil, err
		}
	}

	// Step 6: Advanced options
	advanced, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	// Build configuration
	cfg := w.buildConfig(engine, serverCfg, clientCfg, advanced)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated configuration is invalid: %w", err)
	}

	// Write configuration file
	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	// Print summary
	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
      _                          _
  ___| |_ _   _ _ ____      ___(_)_ __ ___
 / __| __| | | | '_ \ \ /\ / / | | '__/ _ \
 \__ \ |_| |_| | | | \ V  V /| | | | |  __/
 |___/\__|\__,_|_| |_|\_/\_/ |_|_|_|  \___|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  STUN Transaction Engine - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (configPath string, err error) {
	configPath = "./stunwire.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where to write the configuration file."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./stunwire.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askRoles() ([]string, error) {
	var roles []string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Roles").
				Description("Select what this instance will do.\nYou can select both."),

			huh.NewMultiSelect[string]().
				Title("Select Roles").
				Options(
					huh.NewOption("Server (answer Binding requests)", "server"),
					huh.NewOption("Client (discover reflexive addresses)", "client"),
				).
				Value(&roles).
				Validate(func(s []string) error {
					if len(s) == 0 {
						return fmt.Errorf("select at least one role")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return nil, err
	}

	return roles, nil
}

func (w *Wizard) askEngineTiming() (config.EngineConfig, error) {
	engine := config.Default().Engine
	var customize bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Retransmission Timing").
				Description("The defaults follow RFC 5389: first retry after 100ms,\ndoubling up to 1.6s, seven sends per transaction."),

			huh.NewConfirm().
				Title("Customize retransmission timing?").
				Value(&customize),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return engine, err
	}
	if !customize {
		return engine, nil
	}

	initialRTO := engine.InitialRTO.String()
	maxRTO := engine.MaxRTO.String()
	maxRequests := strconv.Itoa(engine.MaxRequests)

	timingForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Initial RTO").
				Description("Wait before the first retransmission (e.g. 100ms)").
				Placeholder("100ms").
				Value(&initialRTO).
				Validate(validateDuration),

			huh.NewInput().
				Title("Max RTO").
				Description("Cap for the doubling interval (e.g. 1.6s)").
				Placeholder("1.6s").
				Value(&maxRTO).
				Validate(validateDuration),

			huh.NewInput().
				Title("Max Requests").
				Description("Total sends per transaction").
				Placeholder("7").
				Value(&maxRequests).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return fmt.Errorf("must be a positive number")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := timingForm.Run(); err != nil {
		return engine, err
	}

	engine.InitialRTO, _ = time.ParseDuration(initialRTO)
	engine.MaxRTO, _ = time.ParseDuration(maxRTO)
	engine.MaxRequests, _ = strconv.Atoi(maxRequests)

	return engine, nil
}

func (w *Wizard) askServerConfig() (config.ServerConfig, error) {
	cfg := config.Default().Server
	cfg.Enabled = true

	listenAddr := "0.0.0.0:3478"
	var rateLimit, useIntegrity bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server Configuration").
				Description("Configure the Binding responder."),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP address to answer requests on (host:port)").
				Placeholder("0.0.0.0:3478").
				Value(&listenAddr).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Software Name").
				Description("SOFTWARE attribute for responses, empty to omit").
				Placeholder("stunwire").
				Value(&cfg.Software),

			huh.NewConfirm().
				Title("Append FINGERPRINT to responses?").
				Value(&cfg.Fingerprint),

			huh.NewConfirm().
				Title("Enable per-source rate limiting?").
				Description("Drop over-limit requests without answering").
				Value(&rateLimit),

			huh.NewConfirm().
				Title("Require message integrity?").
				Description("Shared credential for MESSAGE-INTEGRITY verification").
				Value(&useIntegrity),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return cfg, err
	}
	cfg.Listen = []string{listenAddr}

	if rateLimit {
		cfg.RateLimit.Enabled = true
		rps := strconv.FormatFloat(cfg.RateLimit.RequestsPerSecond, 'f', -1, 64)
		burst := strconv.Itoa(cfg.RateLimit.Burst)

		limitForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Requests Per Second").
					Description("Sustained rate allowed per source IP").
					Placeholder("50").
					Value(&rps).
					Validate(func(s string) error {
						f, err := strconv.ParseFloat(s, 64)
						if err != nil || f <= 0 {
							return fmt.Errorf("must be a positive number")
						}
						return nil
					}),

				huh.NewInput().
					Title("Burst").
					Description("Back-to-back requests allowed per source").
					Placeholder("100").
					Value(&burst).
					Validate(func(s string) error {
						n, err := strconv.Atoi(s)
						if err != nil || n < 1 {
							return fmt.Errorf("must be a positive number")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := limitForm.Run(); err != nil {
			return cfg, err
		}
		cfg.RateLimit.RequestsPerSecond, _ = strconv.ParseFloat(rps, 64)
		cfg.RateLimit.Burst, _ = strconv.Atoi(burst)
	}

	if useIntegrity {
		var key string
		keyForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Integrity Key").
					Description("Short-term credential shared with clients").
					EchoMode(huh.EchoModePassword).
					Value(&key).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("key required")
						}
						return nil
					}),

				huh.NewConfirm().
					Title("Reject unsigned requests?").
					Description("Answer requests without MESSAGE-INTEGRITY with a 400").
					Value(&cfg.RequireIntegrity),
			),
		).WithTheme(w.theme)

		if err := keyForm.Run(); err != nil {
			return cfg, err
		}
		cfg.IntegrityKey = key
	}

	return cfg, nil
}

func (w *Wizard) askClientConfig() (config.ClientConfig, error) {
	var cfg config.ClientConfig
	var serversStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client Configuration").
				Description("Configure the servers used for address discovery."),

			huh.NewText().
				Title("STUN Servers").
				Description("One host:port per line").
				Placeholder("stun.example.org:3478").
				Value(&serversStr).
				Validate(func(s string) error {
					seen := 0
					for _, line := range strings.Split(s, "\n") {
						line = strings.TrimSpace(line)
						if line == "" {
							continue
						}
						if err := validateHostPort(line); err != nil {
							return fmt.Errorf("%s: %w", line, err)
						}
						seen++
					}
					if seen == 0 {
						return fmt.Errorf("at least one server is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return cfg, err
	}

	for _, line := range strings.Split(serversStr, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cfg.Servers = append(cfg.Servers, line)
		}
	}

	return cfg, nil
}

// advancedOptions carries the last form's answers into buildConfig.
type advancedOptions struct {
	logLevel       string
	icmpEnabled    bool
	healthEnabled  bool
	healthAddr     string
	controlEnabled bool
	controlSocket  string
}

func (w *Wizard) askAdvancedOptions() (advancedOptions, error) {
	opts := advancedOptions{
		logLevel:      "info",
		icmpEnabled:   true,
		healthAddr:    ":8080",
		controlSocket: "./stunwire.sock",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&opts.logLevel),

			huh.NewConfirm().
				Title("Watch for ICMP errors?").
				Description("Fail transactions early on destination unreachable").
				Value(&opts.icmpEnabled),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /metrics)").
				Value(&opts.healthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for the status command").
				Value(&opts.controlEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return opts, err
	}

	if opts.healthEnabled {
		addrForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Health Address").
					Placeholder(":8080").
					Value(&opts.healthAddr).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("address is required")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := addrForm.Run(); err != nil {
			return opts, err
		}
	}

	if opts.controlEnabled {
		sockForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Control Socket Path").
					Placeholder("./stunwire.sock").
					Value(&opts.controlSocket).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("socket path is required")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := sockForm.Run(); err != nil {
			return opts, err
		}
	}

	return opts, nil
}

func (w *Wizard) buildConfig(
	engine config.EngineConfig,
	server config.ServerConfig,
	client config.ClientConfig,
	advanced advancedOptions,
) *config.Config {
	cfg := config.Default()

	cfg.Log.Level = advanced.logLevel
	cfg.Log.Format = "text"
	cfg.Engine = engine
	cfg.Server = server
	if len(client.Servers) > 0 {
		cfg.Client = client
	}
	cfg.ICMP.Enabled = advanced.icmpEnabled

	cfg.Health.Enabled = advanced.healthEnabled
	if advanced.healthEnabled {
		cfg.Health.Address = advanced.healthAddr
	}

	cfg.Control.Enabled = advanced.controlEnabled
	if advanced.controlEnabled {
		cfg.Control.SocketPath = advanced.controlSocket
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# stunwire configuration
# Generated by the setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Log level:    %s\n", cfg.Log.Level)

	if cfg.Server.Enabled && len(cfg.Server.Listen) > 0 {
		fmt.Printf("  Server:       udp://%s\n", cfg.Server.Listen[0])
		if cfg.Server.RateLimit.Enabled {
			fmt.Printf("  Rate limit:   %.0f req/s per source\n", cfg.Server.RateLimit.RequestsPerSecond)
		}
	}

	if len(cfg.Client.Servers) > 0 {
		fmt.Printf("  Servers:      %s\n", strings.Join(cfg.Client.Servers, ", "))
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	if cfg.Server.Enabled {
		fmt.Println("  To start the server:")
		fmt.Printf("    stunwire serve -c %s\n", configPath)
	} else {
		fmt.Println("  To discover your reflexive address:")
		fmt.Printf("    stunwire discover -c %s\n", configPath)
	}
	fmt.Println()
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration (use forms like 100ms, 1.6s)")
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateHostPort(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	if host == "" {
		return fmt.Errorf("address needs an explicit host")
	}
	if port == "" {
		return fmt.Errorf("address needs a port")
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
