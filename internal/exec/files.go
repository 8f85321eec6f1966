package exec

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/dgnsrekt/hostbridge/internal/handle"
	"github.com/dgnsrekt/hostbridge/internal/host"
	"github.com/dgnsrekt/hostbridge/internal/transfer"
)

// FilePayload is one file to place into a file input.
type FilePayload struct {
	Name     string
	MimeType string
	Data     []byte
}

// bufferSender streams a payload into the context's frame over a transfer
// port. Satisfied by *transfer.Connection.
type bufferSender interface {
	SendBuffer(ctx context.Context, buf []byte, meta transfer.Meta, binaryOK bool) (string, error)
}

// SetInputFiles places files into the file input behind h.
//
// The privileged world can carry the bytes inline, so each file goes as a
// base64 string argument in a single call. The isolated world cannot: its
// message channel rejects large structured payloads, so each file is first
// streamed over the transfer port and the remote call receives transfer ids
// to resolve locally. Both paths end in the same set-files entry point.
func (c *Context) SetInputFiles(ctx context.Context, h handle.Handle, files []FilePayload, sender bufferSender) error {
	if c.World == host.WorldPrivileged {
		return c.setFilesInline(ctx, h, files)
	}
	if sender == nil {
		return fmt.Errorf("exec: isolated-world file injection requires a transfer connection")
	}
	return c.setFilesViaTransfer(ctx, h, files, sender)
}

type inlineFileArg struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

func (c *Context) setFilesInline(ctx context.Context, h handle.Handle, files []FilePayload) error {
	args := make([]inlineFileArg, len(files))
	for i, f := range files {
		args[i] = inlineFileArg{
			Name:     f.Name,
			MimeType: f.MimeType,
			Base64:   base64.StdEncoding.EncodeToString(f.Data),
		}
	}
	_, err := c.Run(ctx, fnSetFiles, string(h), args)
	return err
}

type transferFileArg struct {
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	TransferID string `json:"transferId"`
}

func (c *Context) setFilesViaTransfer(ctx context.Context, h handle.Handle, files []FilePayload, sender bufferSender) error {
	args := make([]transferFileArg, len(files))
	for i, f := range files {
		id, err := sender.SendBuffer(ctx, f.Data, transfer.Meta{Filename: f.Name, MimeType: f.MimeType}, false)
		if err != nil {
			return fmt.Errorf("exec: stream file %q: %w", f.Name, err)
		}
		args[i] = transferFileArg{Name: f.Name, MimeType: f.MimeType, TransferID: id}
	}
	_, err := c.Run(ctx, fnSetFiles, string(h), args)
	return err
}
