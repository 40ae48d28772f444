package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"

	"github.com/norflash/nvstore"
	"github.com/norflash/nvstore/memflash"
	"github.com/norflash/nvstore/nvram"
	"github.com/norflash/nvstore/sched"
	"github.com/norflash/nvstore/storage"
)

func main() {
	app := cli.App{
		Name:  "nvstore",
		Usage: "Inspect and edit flash store images",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "block-size",
				Value: 4096,
				Usage: "erase block size of the image in bytes",
			},
			&cli.BoolFlag{
				Name:  "double-write",
				Usage: "the image uses 8-byte atomic writes",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log what the engine is doing",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE SIZE",
			},
			{
				Name:      "inspect",
				Usage:     "Dump all records of an image as CSV",
				Action:    inspectImage,
				ArgsUsage: "IMAGE",
			},
			{
				Name:      "get",
				Usage:     "Print the newest value stored under a key, as hex",
				Action:    getValue,
				ArgsUsage: "IMAGE ID KEY",
			},
			{
				Name:      "set",
				Usage:     "Store a hex value under a key",
				Action:    setValue,
				ArgsUsage: "IMAGE ID KEY HEXVALUE",
			},
			{
				Name:      "delete",
				Usage:     "Delete the value stored under a key",
				Action:    deleteValue,
				ArgsUsage: "IMAGE ID KEY",
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// parseID accepts a numeric ID (any base strconv understands) or a tag of up
// to four ASCII characters.
func parseID(s string) (nvstore.ID, error) {
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return nvstore.ID(v), nil
	}
	if len(s) >= 1 && len(s) <= 4 {
		return nvstore.MakeID(s), nil
	}
	return 0, fmt.Errorf("%q is neither a number nor a tag of at most 4 characters", s)
}

func openImage(c *cli.Context) (*sched.Scheduler, *memflash.Flash, *nvram.Manager, error) {
	file, err := os.Open(c.Args().Get(0))
	if err != nil {
		return nil, nil, nil, err
	}
	defer file.Close()

	dev, err := memflash.Load(file, uint32(c.Uint("block-size")))
	if err != nil {
		return nil, nil, nil, err
	}

	sch := sched.New()
	cfg := nvram.Config{
		Scheduler:   sch,
		DoubleWrite: c.Bool("double-write"),
	}
	if c.Bool("verbose") {
		cfg.Logf = log.Printf
	}

	m := nvram.New(dev, cfg)
	if !m.Initialize(nvstore.InitIgnoreCorrupted) {
		fmt.Fprintln(os.Stderr, "warning: the image contains corrupted blocks")
	}
	return sch, dev, m, nil
}

// saveImage drains the scheduler, so pending collection lands in the image,
// and writes it back.
func saveImage(c *cli.Context, sch *sched.Scheduler, dev *memflash.Flash) error {
	sch.Run()

	file, err := os.Create(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer file.Close()
	return dev.Save(file)
}

func formatImage(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected IMAGE and SIZE, got %d arguments", c.NArg())
	}
	size, err := strconv.ParseUint(c.Args().Get(1), 0, 32)
	if err != nil {
		return fmt.Errorf("bad image size: %w", err)
	}

	sch := sched.New()
	dev := memflash.New(uint32(size), uint32(c.Uint("block-size")))
	m := nvram.New(dev, nvram.Config{
		Scheduler:   sch,
		DoubleWrite: c.Bool("double-write"),
	})
	if !m.Initialize(nvstore.InitReset) {
		return nvstore.ErrIOFailed.WithMessage("formatting failed")
	}
	return saveImage(c, sch, dev)
}

// recordRow is one line of `inspect` output.
type recordRow struct {
	Block      string `csv:"block"`
	Generation uint32 `csv:"generation"`
	Page       string `csv:"page"`
	ID         string `csv:"id"`
	Sequence   uint16 `csv:"sequence"`
	Offset     string `csv:"offset"`
	Key        string `csv:"key"`
	Length     uint32 `csv:"length"`
	Data       string `csv:"data"`
}

func inspectImage(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected IMAGE, got %d arguments", c.NArg())
	}
	_, _, m, err := openImage(c)
	if err != nil {
		return err
	}

	var rows []*recordRow
	for _, b := range m.Blocks() {
		if !b.IsValid() {
			continue
		}
		for _, p := range b.Pages() {
			if !p.IsValid() {
				continue
			}
			for _, r := range p.Records() {
				rows = append(rows, &recordRow{
					Block:      fmt.Sprintf("%#x", b.Offset()),
					Generation: b.Generation(),
					Page:       fmt.Sprintf("%#x", p.Offset()),
					ID:         p.ID().String(),
					Sequence:   p.Sequence(),
					Offset:     fmt.Sprintf("%#x", r.Offset()),
					Key:        nvstore.ID(r.Word()).String(),
					Length:     r.Length(),
					Data:       hex.EncodeToString(r.Data()),
				})
			}
		}
	}
	return gocsv.Marshal(&rows, os.Stdout)
}

func keyedArgs(c *cli.Context) (nvstore.ID, nvstore.ID, error) {
	id, err := parseID(c.Args().Get(1))
	if err != nil {
		return 0, 0, fmt.Errorf("bad ID: %w", err)
	}
	key, err := parseID(c.Args().Get(2))
	if err != nil {
		return 0, 0, fmt.Errorf("bad key: %w", err)
	}
	return id, key, nil
}

func getValue(c *cli.Context) error {
	if c.NArg() != 3 {
		return fmt.Errorf("expected IMAGE, ID and KEY, got %d arguments", c.NArg())
	}
	_, _, m, err := openImage(c)
	if err != nil {
		return err
	}
	id, key, err := keyedArgs(c)
	if err != nil {
		return err
	}

	value, err := storage.NewVariableUniqueKey(m, id).Get(key)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(value))
	return nil
}

func setValue(c *cli.Context) error {
	if c.NArg() != 4 {
		return fmt.Errorf("expected IMAGE, ID, KEY and HEXVALUE, got %d arguments", c.NArg())
	}
	sch, dev, m, err := openImage(c)
	if err != nil {
		return err
	}
	id, key, err := keyedArgs(c)
	if err != nil {
		return err
	}
	value, err := hex.DecodeString(c.Args().Get(3))
	if err != nil {
		return fmt.Errorf("bad value: %w", err)
	}

	if err := storage.NewVariableUniqueKey(m, id).Set(key, value); err != nil {
		return err
	}
	return saveImage(c, sch, dev)
}

func deleteValue(c *cli.Context) error {
	if c.NArg() != 3 {
		return fmt.Errorf("expected IMAGE, ID and KEY, got %d arguments", c.NArg())
	}
	sch, dev, m, err := openImage(c)
	if err != nil {
		return err
	}
	id, key, err := keyedArgs(c)
	if err != nil {
		return err
	}

	deleted, err := storage.NewVariableUniqueKey(m, id).Delete(key)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nvstore.ErrNotFound.WithMessage("no record with that key")
	}
	return saveImage(c, sch, dev)
}
