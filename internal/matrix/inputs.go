package matrix

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/rexbench/rexbench/internal/domain"
)

// Workspace lazily materializes pattern and corpus files under one
// directory, reusing them across jobs and runs. Content is deterministic
// per (name, count/size) so repeated runs benchmark identical inputs;
// only counts and byte sizes are contractual, the text itself is not.
type Workspace struct {
	dir string
	mu  sync.Mutex
}

// NewWorkspace creates the workspace root directory if needed
func NewWorkspace(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Workspace{dir: dir}, nil
}

// PatternsFile returns (generating if absent) the pattern file for a job
func (w *Workspace) PatternsFile(job *domain.Job) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, fmt.Sprintf("patterns-%s-%d.txt", job.PatternSuite, job.PatternCount))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := writePatterns(path, job.PatternSuite, job.PatternCount); err != nil {
		return "", err
	}
	return path, nil
}

// CorpusFile returns (generating if absent) the corpus file for a job
func (w *Workspace) CorpusFile(job *domain.Job) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, fmt.Sprintf("corpus-%s-%s.txt", job.CorpusName, job.InputSize))
	if info, err := os.Stat(path); err == nil && info.Size() == job.InputBytes {
		return path, nil
	}
	if err := writeCorpus(path, job.CorpusName, job.InputBytes); err != nil {
		return "", err
	}
	return path, nil
}

var words = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliet", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey",
	"xray", "yankee", "zulu",
}

func seedFor(name string, n int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64()) ^ n
}

func writePatterns(path, suite string, count int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(seedFor(suite, int64(count))))
	buf := bufio.NewWriter(f)
	for i := 0; i < count; i++ {
		a := words[rng.Intn(len(words))]
		b := words[rng.Intn(len(words))]
		switch i % 4 {
		case 0:
			fmt.Fprintf(buf, "%s[0-9]{%d,%d}\n", a, 1+rng.Intn(3), 4+rng.Intn(4))
		case 1:
			fmt.Fprintf(buf, "%s(%s|%s)\n", a, b, words[rng.Intn(len(words))])
		case 2:
			fmt.Fprintf(buf, "(%s|%s)-[a-f0-9]+\n", a, b)
		default:
			fmt.Fprintf(buf, "%s %s\n", a, b)
		}
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func writeCorpus(path, name string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(seedFor(name, size)))
	buf := bufio.NewWriterSize(f, 1<<20)
	var written int64
	for written < size {
		line := fmt.Sprintf("%s %s-%04x %s %d\n",
			words[rng.Intn(len(words))],
			words[rng.Intn(len(words))],
			rng.Intn(0xffff),
			words[rng.Intn(len(words))],
			rng.Intn(100000))
		remaining := size - written
		if int64(len(line)) > remaining {
			line = line[:remaining-1] + "\n"
		}
		n, err := buf.WriteString(line)
		if err != nil {
			return err
		}
		written += int64(n)
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
