package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "print the effective configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "yaml", Usage: "output format (yaml, json)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var out []byte
			switch format := cmd.String("format"); format {
			case "yaml":
				out, err = yaml.Marshal(cfg)
			case "json":
				out, err = json.MarshalIndent(cfg, "", "  ")
				out = append(out, '\n')
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			if err != nil {
				return err
			}

			_, err = cmd.Root().Writer.Write(out)
			return err
		},
	}
}
