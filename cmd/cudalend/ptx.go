package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/ptxjit"
	"github.com/samcharles93/cudalend/pkg/safety"
)

func ptxCmd() *cli.Command {
	return &cli.Command{
		Name:  "ptx",
		Usage: "Inspect and specialise PTX sources",
		Commands: []*cli.Command{
			ptxInspectCmd(),
			ptxSpecialiseCmd(),
		},
	}
}

func readPTXArg(cmd *cli.Command) ([]byte, error) {
	path := cmd.Args().First()
	if path == "" {
		return nil, errors.New("PTX file argument is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read PTX: %w", err)
	}
	return data, nil
}

var entryRegexp = regexp.MustCompile(`\.entry\s+([A-Za-z_$%][\w$]*)`)

func entryPoints(ptx []byte) []string {
	var out []string
	for _, m := range entryRegexp.FindAllSubmatch(ptx, -1) {
		out = append(out, string(m[1]))
	}
	return out
}

func ptxInspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show entry points, layout markers and specialisable loads",
		ArgsUsage: "<file.ptx>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ptx, err := readPTXArg(cmd)
			if err != nil {
				return err
			}
			sig, err := safety.ParseSignature(ptx)
			if err != nil {
				return err
			}

			fmt.Printf("entry points: %s\n", strings.Join(entryPoints(ptx), ", "))

			params := make([]int, 0, len(sig))
			for idx := range sig {
				params = append(params, idx)
			}
			slices.Sort(params)
			fmt.Printf("layout markers: %d\n", len(sig))
			for _, idx := range params {
				fmt.Printf("  param %d: %016x\n", idx, sig[idx])
			}

			loads := ptxjit.New(ptx).ConstLoads()
			fmt.Printf("const loads: %d\n", len(loads))
			if len(loads) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "  PARAM\tOFFSET\tWIDTH\tREGISTERS\n")
			for _, l := range loads {
				_, _ = fmt.Fprintf(tw, "  %d\t%d\t%d\t%s\n", l.Param, l.Offset, l.Width, strings.Join(l.Registers, ", "))
			}
			return tw.Flush()
		},
	}
}

// parseJitArgs turns P=HEX pairs into an argument list indexed by
// parameter. Parameters without a value stay nil.
func parseJitArgs(pairs []string) ([][]byte, error) {
	var args [][]byte
	for _, pair := range pairs {
		idx, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("argument %q: expected PARAM=HEX", pair)
		}
		p, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || p < 0 {
			return nil, fmt.Errorf("argument %q: invalid parameter index", pair)
		}
		value = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
		b, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", pair, err)
		}
		if p >= len(args) {
			args = append(args, make([][]byte, p+1-len(args))...)
		}
		if args[p] != nil {
			return nil, fmt.Errorf("argument %q: parameter %d given twice", pair, p)
		}
		args[p] = b
	}
	return args, nil
}

func ptxSpecialiseCmd() *cli.Command {
	var (
		pairs []string
		out   string
	)
	return &cli.Command{
		Name:      "specialise",
		Aliases:   []string{"specialize"},
		Usage:     "Replace marked loads with argument immediates",
		ArgsUsage: "<file.ptx>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "arg",
				Usage:       "parameter bytes as PARAM=HEX (little endian, repeatable)",
				Destination: &pairs,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "write PTX to file instead of stdout",
				Destination: &out,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ptx, err := readPTXArg(cmd)
			if err != nil {
				return err
			}
			args, err := parseJitArgs(pairs)
			if err != nil {
				return err
			}
			if args == nil {
				args = [][]byte{}
			}
			res := ptxjit.New(ptx).WithArguments(args)
			logger.FromContext(ctx).Debug("specialised PTX", "arguments", len(args), "bytes", len(res.PTX))
			if out == "" {
				_, err = os.Stdout.Write(res.PTX)
				return err
			}
			return os.WriteFile(out, res.PTX, 0o644)
		},
	}
}
