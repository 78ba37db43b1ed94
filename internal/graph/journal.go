package graph

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// OpenJournal attaches an append-only on-disk replay log at path to g.
// Every discovery Extend applies afterward is appended as it lands, so
// a crash loses at most the record in flight at the moment of the
// crash. Callers that want to recover a prior run should call
// LoadJournal and Replay its result onto a fresh Graph before calling
// OpenJournal, so the graph doesn't re-journal records it's only
// replaying.
func (g *Graph) OpenJournal(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return forgeerr.Wrap("graph: open journal: %w", err)
	}
	g.mu.Lock()
	g.journalFile = f
	g.mu.Unlock()
	return nil
}

// CloseJournal releases the on-disk journal file, if one is open.
func (g *Graph) CloseJournal() error {
	g.mu.Lock()
	f := g.journalFile
	g.journalFile = nil
	g.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// appendJournalLocked appends one applied record as a line of JSON to
// the on-disk journal, if one is open. Callers hold g.mu.
func (g *Graph) appendJournalLocked(r journalRecord) error {
	if g.journalFile == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return forgeerr.Wrap("graph: marshal journal record: %w", err)
	}
	b = append(b, '\n')
	if _, err := g.journalFile.Write(b); err != nil {
		return forgeerr.Wrap("graph: write journal record: %w", err)
	}
	return g.journalFile.Sync()
}

// LoadJournal reads back a previously persisted journal's discoveries
// in application order, for Replay onto a freshly constructed Graph. A
// missing file is not an error: it means a fresh journal with nothing
// to recover.
func LoadJournal(path string) ([]Discovery, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, forgeerr.Wrap("graph: open journal: %w", err)
	}
	defer f.Close()

	var out []Discovery
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r journalRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// A truncated trailing line is exactly what a crash
			// mid-append looks like: stop recovering here rather than
			// fail the whole journal over the one record that didn't
			// make it to disk.
			break
		}
		out = append(out, r.Discovery)
	}
	if err := scanner.Err(); err != nil {
		return nil, forgeerr.Wrap("graph: scan journal: %w", err)
	}
	return out, nil
}
