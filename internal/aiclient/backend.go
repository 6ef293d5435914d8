package aiclient

import (
	"context"

	"google.golang.org/genai"
)

type backend interface {
	upload(ctx context.Context, path, mimeType string) (*genai.File, error)
	getFile(ctx context.Context, name string) (*genai.File, error)
	deleteFile(ctx context.Context, name string) error
	generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)
}

type genaiBackend struct {
	client *genai.Client
}

func (b *genaiBackend) upload(ctx context.Context, path, mimeType string) (*genai.File, error) {
	return b.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mimeType})
}

func (b *genaiBackend) getFile(ctx context.Context, name string) (*genai.File, error) {
	return b.client.Files.Get(ctx, name, nil)
}

func (b *genaiBackend) deleteFile(ctx context.Context, name string) error {
	_, err := b.client.Files.Delete(ctx, name, nil)
	return err
}

func (b *genaiBackend) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := b.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
