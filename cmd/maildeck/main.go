/*
Maildeck - Multi-tenant mail delivery core.
Copyright © 2024-2026 Maildeck contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"github.com/maildeck/maildeck/framework/dns"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/blob"
	"github.com/maildeck/maildeck/internal/config"
	"github.com/maildeck/maildeck/internal/db"
	"github.com/maildeck/maildeck/internal/dkim"
	"github.com/maildeck/maildeck/internal/inbound"
	"github.com/maildeck/maildeck/internal/index"
	"github.com/maildeck/maildeck/internal/label"
	"github.com/maildeck/maildeck/internal/lock"
	"github.com/maildeck/maildeck/internal/outbound"
	"github.com/maildeck/maildeck/internal/spam"
	"github.com/maildeck/maildeck/internal/target"
	"github.com/maildeck/maildeck/internal/target/direct"
	"github.com/maildeck/maildeck/internal/target/relay"
	"github.com/maildeck/maildeck/internal/template"
	"github.com/maildeck/maildeck/internal/thread"
)

func main() {
	app := &cli.App{
		Name:  "maildeck",
		Usage: "multi-tenant mail delivery core",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			log.DefaultLogger.Debug = c.Bool("debug")
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the delivery workers",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "inbound-scan-interval",
						Usage: "how often to reprocess stale inbound queue rows",
						Value: time.Minute,
					},
					&cli.DurationFlag{
						Name:  "retry-scan-interval",
						Usage: "how often to re-send recipients due for retry",
						Value: time.Minute,
					},
				},
				Action: runCmd,
			},
			{
				Name:  "dkim",
				Usage: "manage per-domain DKIM keys",
				Subcommands: []*cli.Command{
					{
						Name:   "keygen",
						Usage:  "ensure the domain has an active key, print its DNS record",
						Flags:  dkimFlags(),
						Action: dkimKeygenCmd,
					},
					{
						Name:   "rotate",
						Usage:  "generate a new active key, deactivating the previous one",
						Flags:  dkimFlags(),
						Action: dkimRotateCmd,
					},
				},
			},
			{
				Name:  "template",
				Usage: "manage message and signature templates",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "create a template for a mailbox or a mail domain",
						Flags:  templateFlags(),
						Action: templateCreateCmd,
					},
					{
						Name:      "deactivate",
						Usage:     "deactivate a template",
						ArgsUsage: "<template-id>",
						Action:    templateDeactivateCmd,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func dkimFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "domain",
			Usage:    "mail domain the key belongs to",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "selector",
			Usage: "DKIM selector",
			Value: dkim.DefaultSelector,
		},
		&cli.IntFlag{
			Name:  "bits",
			Usage: "RSA key size",
			Value: 2048,
		},
	}
}

func openDB(cfg *config.Settings, debug bool) (*gorm.DB, error) {
	return db.Open(cfg.DBDriver, cfg.DBDSN, debug)
}

func runCmd(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg, c.Bool("debug"))
	if err != nil {
		return err
	}

	l := log.DefaultLogger
	locks := lock.NewMemory()
	blobs := blob.NewStore(gdb)
	resolver := dns.DefaultResolver()
	idx := index.LogEmitter{Log: logger(l, "index")}

	threads := thread.NewAssembler(gdb, locks, logger(l, "thread"))
	labels := label.NewEngine(gdb, logger(l, "label"))
	signer := dkim.NewSigner(gdb, logger(l, "dkim"))

	spamCfg, err := spam.ParseConfig(cfg.SpamConfig)
	if err != nil {
		return err
	}

	inb := inbound.NewPipeline(gdb, blobs, spamCfg, threads, idx, labels, logger(l, "inbound"))

	var deliverer target.Deliverer
	switch cfg.MTAOutMode {
	case config.ModeDirect:
		deliverer = direct.New(resolver, cfg.SenderHostname, cfg.DirectProxies, logger(l, "direct"))
	default:
		deliverer, err = relay.New(cfg, logger(l, "relay"))
		if err != nil {
			return err
		}
	}

	disp := outbound.NewDispatcher(gdb, blobs, signer, resolver, inb, threads, deliverer,
		locks, idx, cfg, logger(l, "outbound"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.Msg("workers starting", "mta_out_mode", cfg.MTAOutMode)
	go inb.Run(ctx, c.Duration("inbound-scan-interval"))
	go disp.Run(ctx, c.Duration("retry-scan-interval"))

	<-ctx.Done()
	l.Msg("shutting down")
	return nil
}

func dkimKeygenCmd(c *cli.Context) error {
	return dkimKeyCmd(c, false)
}

func dkimRotateCmd(c *cli.Context) error {
	return dkimKeyCmd(c, true)
}

func dkimKeyCmd(c *cli.Context, rotate bool) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg, c.Bool("debug"))
	if err != nil {
		return err
	}

	signer := dkim.NewSigner(gdb, logger(log.DefaultLogger, "dkim"))
	domain := c.String("domain")

	var key *db.DKIMKey
	if rotate {
		key, err = signer.Rotate(c.Context, domain, c.String("selector"), c.Int("bits"))
	} else {
		key, err = signer.EnsureKey(c.Context, domain)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Publish the following TXT record:\n\n%s\t%s\n",
		dkim.RecordName(domain, key), dkim.TXTRecord(key))
	return nil
}

func templateFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "mailbox",
			Usage: "mailbox id the template belongs to",
		},
		&cli.StringFlag{
			Name:  "domain",
			Usage: "mail domain id the template belongs to",
		},
		&cli.StringFlag{
			Name:  "type",
			Usage: "template type, message or signature",
			Value: string(db.TemplateSignature),
		},
		&cli.StringFlag{
			Name:  "html",
			Usage: "HTML body",
		},
		&cli.StringFlag{
			Name:  "text",
			Usage: "plain text body",
		},
		&cli.StringFlag{
			Name:  "file",
			Usage: "file with a ready-made template body, stored as a blob",
		},
		&cli.BoolFlag{
			Name:  "forced",
			Usage: "apply the template to every outgoing message in its scope",
		},
	}
}

func templateCreateCmd(c *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg, c.Bool("debug"))
	if err != nil {
		return err
	}

	p := template.Params{
		Type:     db.TemplateType(c.String("type")),
		HTMLBody: c.String("html"),
		TextBody: c.String("text"),
		IsActive: true,
		IsForced: c.Bool("forced"),
	}
	if id := c.String("mailbox"); id != "" {
		p.MailboxID = &id
	}
	if id := c.String("domain"); id != "" {
		p.MailDomainID = &id
	}
	if path := c.String("file"); path != "" {
		p.RawBody, err = os.ReadFile(path)
		if err != nil {
			return err
		}
	}

	eng := template.NewEngine(gdb, blob.NewStore(gdb), logger(log.DefaultLogger, "template"))
	tpl, err := eng.Create(c.Context, p)
	if err != nil {
		return err
	}
	fmt.Println(tpl.ID)
	return nil
}

func templateDeactivateCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("exactly one template id expected", 2)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg, c.Bool("debug"))
	if err != nil {
		return err
	}
	eng := template.NewEngine(gdb, blob.NewStore(gdb), logger(log.DefaultLogger, "template"))
	return eng.Deactivate(c.Context, c.Args().First())
}

func logger(parent log.Logger, name string) log.Logger {
	parent.Name = name
	return parent
}
