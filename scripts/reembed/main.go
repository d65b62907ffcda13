// Command reembed backfills prompt embeddings for scenarios stored without
// one (e.g. when the embedding provider was previously noop, or after
// switching embedding models).
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/reembed
//
// Provider selection follows the server's rules: SHIKEN_EMBEDDING_PROVIDER
// picks openai/ollama explicitly, otherwise OpenAI is used when
// OPENAI_API_KEY is set. The noop provider is refused — writing zero vectors
// would silently poison similarity checks.
//
// Safe to run multiple times. Only rows with a NULL embedding are touched,
// so a completed backfill reports 0 updates and exits immediately.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/shiken-ai/shiken/internal/service/embedding"
)

const batchSize = 64

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	provider, err := newProvider()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	var total int
	for {
		n, err := backfillBatch(ctx, pool, provider)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		total += n
		fmt.Printf("embedded %d scenarios (%d total)\n", n, total)
	}

	fmt.Printf("done: %d scenarios embedded\n", total)
	return nil
}

func backfillBatch(ctx context.Context, pool *pgxpool.Pool, provider embedding.Provider) (int, error) {
	rows, err := pool.Query(ctx,
		`SELECT id, prompt
		 FROM scenarios
		 WHERE prompt_embedding IS NULL
		 ORDER BY created_at ASC
		 LIMIT $1`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	var prompts []string
	for rows.Next() {
		var id uuid.UUID
		var prompt string
		if err := rows.Scan(&id, &prompt); err != nil {
			return 0, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
		prompts = append(prompts, prompt)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	vecs, err := provider.EmbedBatch(ctx, prompts)
	if err != nil {
		return 0, fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(ids) {
		return 0, fmt.Errorf("embed batch: got %d vectors for %d prompts", len(vecs), len(ids))
	}

	for i, id := range ids {
		if _, err := pool.Exec(ctx,
			`UPDATE scenarios SET prompt_embedding = $2 WHERE id = $1 AND prompt_embedding IS NULL`,
			id, vecs[i]); err != nil {
			return 0, fmt.Errorf("update %s: %w", id, err)
		}
	}
	return len(ids), nil
}

func newProvider() (embedding.Provider, error) {
	dims := 1024
	if v := os.Getenv("SHIKEN_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dims = n
		}
	}
	openAIModel := os.Getenv("SHIKEN_EMBEDDING_MODEL")
	if openAIModel == "" {
		openAIModel = "text-embedding-3-small"
	}
	ollamaURL := os.Getenv("OLLAMA_URL")
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	ollamaModel := os.Getenv("OLLAMA_MODEL")
	if ollamaModel == "" {
		ollamaModel = "mxbai-embed-large"
	}

	switch os.Getenv("SHIKEN_EMBEDDING_PROVIDER") {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		return embedding.NewOpenAIProvider(key, openAIModel, dims), nil
	case "ollama":
		return embedding.NewOllamaProvider(ollamaURL, ollamaModel, dims), nil
	case "noop":
		return nil, fmt.Errorf("refusing to backfill with the noop provider (would write zero vectors)")
	default:
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return embedding.NewOpenAIProvider(key, openAIModel, dims), nil
		}
		return embedding.NewOllamaProvider(ollamaURL, ollamaModel, dims), nil
	}
}
