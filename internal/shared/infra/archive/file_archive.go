package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

// FileArchiver es un adaptador outbound que añade las entradas archivadas a
// un fichero JSONL por día (outbox-AAAAMMDD.jsonl).
type FileArchiver struct {
	dir string
	mu  sync.Mutex // Mutex para evitar escrituras intercaladas en el mismo fichero.
	now func() time.Time
}

func NewFileArchiver(dir string) (*FileArchiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileArchiver{dir: dir, now: time.Now}, nil
}

func (a *FileArchiver) path(day time.Time) string {
	return filepath.Join(a.dir, "outbox-"+day.UTC().Format("20060102")+".jsonl")
}

// Archive añade el lote al fichero del día. Si el fichero no existe, lo crea.
func (a *FileArchiver) Archive(ctx context.Context, events []sharedDomain.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeJSONL(events)
	if err != nil {
		return fmt.Errorf("encode archive batch: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path(a.now()), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	// Sync antes de que el janitor purgue las filas.
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
