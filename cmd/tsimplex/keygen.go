package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drand/kyber/util/random"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/threshold"
	"github.com/multiformats/go-multibase"
	"github.com/urfave/cli/v2"
)

// committeeFile is the public description of a dealt committee, shared by
// every participant.
type committeeFile struct {
	Participants []simplex.ParticipantID
	Public       *threshold.Public
}

var keygenCmd = cli.Command{
	Name:  "keygen",
	Usage: "deals a threshold key to a committee, acting as a trusted dealer",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "N",
			Usage: "number of participants",
			Value: 4,
		},
		&cli.Uint64Flag{
			Name:  "firstID",
			Usage: "the ID of the first participant; the rest are numbered consecutively",
			Value: 1,
		},
		&cli.PathFlag{
			Name:  "out",
			Usage: "the directory to write committee.json and one share file per participant to",
			Value: ".",
		},
	},
	Action: func(c *cli.Context) error {
		n := c.Int("N")
		quorum, err := simplex.Quorum(n)
		if err != nil {
			return err
		}
		pub, shares, err := threshold.Deal(n, quorum, random.New())
		if err != nil {
			return fmt.Errorf("dealing key: %w", err)
		}

		committee := committeeFile{Public: pub}
		for i := 0; i < n; i++ {
			committee.Participants = append(committee.Participants, simplex.ParticipantID(c.Uint64("firstID")+uint64(i)))
		}
		// Check the file describes a valid committee before writing anything.
		if _, err := simplex.NewCommittee(committee.Participants, pub); err != nil {
			return err
		}

		out := c.Path("out")
		if err := os.MkdirAll(out, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		if err := writeJSON(filepath.Join(out, "committee.json"), committee, 0644); err != nil {
			return err
		}
		for i, share := range shares {
			name := filepath.Join(out, fmt.Sprintf("share-%d.json", committee.Participants[i]))
			if err := writeJSON(name, share, 0600); err != nil {
				return err
			}
		}
		groupKey, err := multibase.Encode(multibase.Base32, pub.GroupKey())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.App.Writer, "Dealt %d-of-%d key %s to participants %d..%d in %s\n",
			quorum, n, groupKey, committee.Participants[0], committee.Participants[n-1], out)
		return nil
	},
}

func writeJSON(path string, v any, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("opening %s for writing: %w", path, err)
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	if path == "" {
		return errors.New("path must be set")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
