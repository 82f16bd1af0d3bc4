// cicada is a personal AI assistant that lives in your chat.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/mbeukes/cicada/internal/backend"
	"github.com/mbeukes/cicada/internal/channels"
	"github.com/mbeukes/cicada/internal/channels/telegram"
	"github.com/mbeukes/cicada/internal/commands"
	"github.com/mbeukes/cicada/internal/config"
	"github.com/mbeukes/cicada/internal/cron"
	"github.com/mbeukes/cicada/internal/gateway"
	"github.com/mbeukes/cicada/internal/identity"
	. "github.com/mbeukes/cicada/internal/logging"
	"github.com/mbeukes/cicada/internal/memory"
	"github.com/mbeukes/cicada/internal/pairing"
	"github.com/mbeukes/cicada/internal/paths"
	"github.com/mbeukes/cicada/internal/prompt"
	"github.com/mbeukes/cicada/internal/router"
	"github.com/mbeukes/cicada/internal/session"
	"github.com/mbeukes/cicada/internal/skills"
	"github.com/mbeukes/cicada/internal/storage"
	"github.com/mbeukes/cicada/internal/tokens"
)

const version = "0.1.0"

type cli struct {
	Debug  bool   `help:"Enable debug logging." short:"d"`
	Config string `help:"Config file path." type:"path"`

	Run     runCmd     `cmd:"" default:"1" help:"Run the assistant daemon."`
	Init    initCmd    `cmd:"" help:"Write a starter config, persona and skills directory."`
	Approve approveCmd `cmd:"" help:"Approve a pairing request."`
	Reject  rejectCmd  `cmd:"" help:"Reject a pairing request."`
	Pairs   pairsCmd   `cmd:"" help:"List pending pairing requests."`
	Paths   pathsCmd   `cmd:"" help:"Show where cicada stores its data."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

func main() {
	var c cli
	ktx := kong.Parse(&c,
		kong.Name("cicada"),
		kong.Description("A personal AI assistant that lives in your chat."),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if c.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level})

	ktx.FatalIfErrorf(ktx.Run(&c))
}

func loadConfig(c *cli) (*config.Config, error) {
	if c.Config != "" {
		return config.LoadFile(c.Config)
	}
	return config.Load()
}

func openDatabase() (*sql.DB, error) {
	path, err := paths.DatabasePath()
	if err != nil {
		return nil, err
	}
	return storage.Open(path)
}

type runCmd struct{}

func (r *runCmd) Run(c *cli) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Logging.Level == "debug" && !c.Debug {
		SetLevel(LevelDebug)
	}

	L_info("cicada %s starting", version)

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	ids := identity.NewStore(db)
	pairs := pairing.NewManager(db, ids)
	sessions := session.NewManager(db, cfg.IdleTimeout())
	memories := memory.NewStore(db)
	defer memories.Close()

	skillsDir := cfg.Skills.Dir
	if skillsDir == "" {
		skillsDir, err = paths.SkillsDir()
		if err != nil {
			return err
		}
	}
	registry, err := skills.NewRegistry(skillsDir)
	if err != nil {
		return err
	}
	if cfg.Skills.Watch {
		watcher, err := skills.NewWatcher(skillsDir, func() {
			if err := registry.Reload(); err != nil {
				L_warn("skills reload failed", "error", err)
			}
		})
		if err != nil {
			L_warn("skills watcher unavailable", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	be, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	L_info("backend ready", "kind", be.Name())

	manager := channels.NewManager()
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.BotToken == "" {
			return fmt.Errorf("channels.telegram.enabled is set but bot_token is empty")
		}
		manager.Register(telegram.New(cfg.Channels.Telegram.BotToken))
	}
	if cfg.Channels.Signal.Enabled {
		L_warn("signal channel configured; run the external signal adapter alongside the daemon")
	}
	if cfg.Channels.Slack.Enabled {
		L_warn("slack channel configured; run the external slack adapter alongside the daemon")
	}

	persona := loadPersona()

	var orch *gateway.Orchestrator
	var cronSvc *cron.Service
	if cfg.Cron.Enabled {
		cronSvc = cron.NewService(db, func(job *cron.Job) { orch.RunCronJob(job) })
	}

	orch = gateway.New(gateway.Deps{
		Config:     cfg,
		Identity:   ids,
		Pairing:    pairs,
		Sessions:   sessions,
		Memories:   memories,
		Skills:     registry,
		Prompts:    prompt.NewBuilder(tokens.Get()),
		Dispatcher: backend.NewDispatcher(be, cfg.DispatchTimeout()),
		Router:     router.New(router.DefaultOptions()),
		Channels:   manager,
		Commands:   &commands.Handler{Sessions: sessions, Skills: registry, Cron: cronSvc},
		Cron:       cronSvc,
		Persona:    persona,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return orch.Run(ctx)
}

func buildBackend(cfg *config.Config) (backend.Backend, error) {
	base, err := paths.BaseDir()
	if err != nil {
		return nil, err
	}

	switch cfg.Backend.Kind {
	case "claude":
		return &backend.ClaudeCode{
			Binary: cfg.Backend.Claude.Binary,
			Model:  cfg.Backend.Claude.Model,
			APIKey: cfg.Backend.Claude.APIKey,
			Dir:    base,
		}, nil
	case "cursor":
		return &backend.Cursor{
			Binary: cfg.Backend.Cursor.Binary,
			Model:  cfg.Backend.Cursor.Model,
			Dir:    base,
		}, nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
}

func loadPersona() string {
	path, err := paths.PersonaPath()
	if err != nil {
		return defaultPersona
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultPersona
	}
	return string(data)
}

type initCmd struct{}

func (i *initCmd) Run(c *cli) error {
	base, err := paths.BaseDir()
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(base); err != nil {
		return err
	}

	cfgPath, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	if err := config.WriteDefault(cfgPath); err != nil {
		fmt.Println(err)
	} else {
		fmt.Printf("Wrote %s\n", cfgPath)
	}

	personaPath, err := paths.PersonaPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(personaPath); os.IsNotExist(err) {
		if err := os.WriteFile(personaPath, []byte(defaultPersona), 0640); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", personaPath)
	}

	skillsDir, err := paths.SkillsDir()
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(skillsDir); err != nil {
		return err
	}
	fmt.Printf("Skills directory: %s\n", skillsDir)
	fmt.Println("\nEdit the config, then start the daemon with: cicada run")
	return nil
}

type approveCmd struct {
	Code string `arg:"" help:"The pairing code shown to the user."`
	User string `help:"Link to an existing user ID instead of creating a new user." optional:""`
}

func (a *approveCmd) Run(c *cli) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	pairs := pairing.NewManager(db, identity.NewStore(db))
	var userID string
	if a.User != "" {
		userID, err = pairs.ApproveAs(a.Code, a.User)
	} else {
		userID, err = pairs.Approve(a.Code)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Approved. User ID: %s\n", userID)
	return nil
}

type rejectCmd struct {
	Code string `arg:"" help:"The pairing code to reject."`
}

func (r *rejectCmd) Run(c *cli) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	pairs := pairing.NewManager(db, identity.NewStore(db))
	if err := pairs.Reject(r.Code); err != nil {
		return err
	}
	fmt.Println("Rejected.")
	return nil
}

type pairsCmd struct{}

func (p *pairsCmd) Run(c *cli) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	pairs := pairing.NewManager(db, identity.NewStore(db))
	pending, err := pairs.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending pairing requests.")
		return nil
	}
	for _, req := range pending {
		fmt.Printf("%s  %s (%s)  expires %s\n",
			req.Code, req.DisplayName, req.Ref.String(),
			req.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

type pathsCmd struct{}

func (p *pathsCmd) Run(c *cli) error {
	base, err := paths.BaseDir()
	if err != nil {
		return err
	}
	cfgPath, _ := paths.ConfigPath()
	dbPath, _ := paths.DatabasePath()
	skillsDir, _ := paths.SkillsDir()
	personaPath, _ := paths.PersonaPath()

	fmt.Printf("Base:     %s\n", base)
	fmt.Printf("Config:   %s\n", cfgPath)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Skills:   %s\n", skillsDir)
	fmt.Printf("Persona:  %s\n", personaPath)
	return nil
}

type versionCmd struct{}

func (v *versionCmd) Run(c *cli) error {
	fmt.Printf("cicada %s\n", version)
	return nil
}

const defaultPersona = `# PERSONA.md - Persona & Boundaries

## Tone & Style
- Keep replies concise and direct.
- Ask clarifying questions when needed.
- Be helpful but honest about limitations.

## Capabilities
You are a personal assistant running on the user's machine. You can:
- Answer questions and have conversations
- Help with writing, brainstorming, and thinking through problems

## Skills
When the user asks for something you can't do directly, suggest creating a skill for it.
Skills are custom extensions that live in the skills/ folder. Each skill has a SKILL.md
file describing what it does.
`
