// mockData fills a records store with consultations, notes, activities and
// attachments for trying out the registry queries and the sweep.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	ouroboros "github.com/i5heu/ouroboros-records"
	"github.com/i5heu/ouroboros-records/pkg/reconciler"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	clients = []string{"ACME", "Globex", "Initech", "Umbrella", "Hooli", "Stark Industries", "Wayne Enterprises"}
	topics  = []string{"pricing", "onboarding", "migration", "renewal", "security review", "roadmap"}
	words   = strings.Fields("shard registry payload node replica budget deadline contract invoice sprint review risk")
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.WithError(err).Error("mockData failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mockData", flag.ContinueOnError)
	consultations := fs.Int("consultations", 50, "number of consultations to create")
	notes := fs.Int("notes", 5, "notes per consultation")
	attachments := fs.Int("attachments", 2, "attachments per consultation")
	path := fs.String("path", "./data", "data directory")
	configPath := fs.String("config", "", "YAML configuration file, overrides -path")
	parallel := fs.Int("parallel", 8, "consultations seeded at once")
	randSeed := fs.Int64("seed", time.Now().UnixNano(), "rand seed - useful for reproducible data")
	clientFile := fs.String("clients-file", "", "optional file containing client names (one per line)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		r   *ouroboros.Records
		err error
	)
	if *configPath != "" {
		r, err = ouroboros.NewFromFile(*configPath)
	} else {
		r, err = ouroboros.New(ouroboros.Config{Paths: []string{*path}})
	}
	if err != nil {
		return fmt.Errorf("failed to construct records: %w", err)
	}
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("failed to start records: %w", err)
	}
	defer func() {
		if err := r.Close(ctx); err != nil {
			logrus.WithError(err).Warn("error closing records")
		}
	}()

	names := clients
	if *clientFile != "" {
		data, err := os.ReadFile(*clientFile)
		if err != nil {
			return fmt.Errorf("failed to read clients-file: %w", err)
		}
		names = nil
		for _, line := range bytes.Split(data, []byte("\n")) {
			if n := strings.TrimSpace(string(line)); n != "" {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			return fmt.Errorf("clients-file %s has no names", *clientFile)
		}
	}

	uploads, err := ouroboros.NewCollection[*types.Attachment](r)
	if err != nil {
		return err
	}

	s := &seeder{
		records:     r,
		uploads:     uploads,
		rnd:         rand.New(rand.NewSource(*randSeed)),
		names:       names,
		notes:       *notes,
		attachments: *attachments,
	}

	startTime := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*parallel, 1))
	for i := 0; i < *consultations; i++ {
		g.Go(func() error { return s.consultation(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("Seeding completed: %d consultations x %d notes x %d attachments in %s\n",
		*consultations, *notes, *attachments, time.Since(startTime).String())
	return nil
}

type seeder struct {
	records     *ouroboros.Records
	uploads     *reconciler.Collection[*types.Attachment]
	names       []string
	notes       int
	attachments int

	mu  sync.Mutex
	rnd *rand.Rand
}

func (s *seeder) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Intn(n)
}

func (s *seeder) sentence(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = words[s.intn(len(words))]
	}
	return strings.Join(parts, " ")
}

// consultation creates one consultation with its children. Attachments go
// through an optimistic batch like a UI upload would.
func (s *seeder) consultation(ctx context.Context, idx int) error {
	c := &types.Consultation{
		Client:  s.names[idx%len(s.names)],
		Topic:   topics[s.intn(len(topics))],
		Summary: s.sentence(8),
		HeldAt:  time.Now().Add(-time.Duration(s.intn(90*24)) * time.Hour).UTC(),
	}
	if err := s.records.Save(ctx, c, nil); err != nil {
		return fmt.Errorf("consultation %d: %w", idx, err)
	}

	for i := 0; i < s.notes; i++ {
		n := &types.Note{Title: fmt.Sprintf("Note %d on %s", i+1, c.Topic), Body: s.sentence(20), Tags: []string{c.Topic}}
		n.ParentID = c.ID
		if err := s.records.Save(ctx, n, nil); err != nil {
			return fmt.Errorf("note %d of consultation %d: %w", i, idx, err)
		}
	}

	a := &types.Activity{Title: "Follow up with " + c.Client, Status: "open", DueAt: c.HeldAt.Add(7 * 24 * time.Hour)}
	a.ParentID = c.ID
	if err := s.records.Save(ctx, a, nil); err != nil {
		return fmt.Errorf("activity of consultation %d: %w", idx, err)
	}

	if s.attachments == 0 {
		return nil
	}
	files := make([]reconciler.Upload, s.attachments)
	for i := range files {
		body := []byte(s.sentence(200))
		files[i] = reconciler.Upload{
			DisplayName: fmt.Sprintf("minutes-%d-%d.txt", idx, i),
			MimeType:    "text/plain",
			Load:        func(context.Context) ([]byte, error) { return body, nil },
		}
	}
	b, err := s.records.UploadAttachments(ctx, s.uploads, c.ID, files, reconciler.BatchOptions[*types.Attachment]{})
	if err != nil {
		return err
	}
	if out := b.Wait(); out.Err != nil {
		return fmt.Errorf("attachments of consultation %d: %w", idx, out.Err)
	}
	return nil
}
