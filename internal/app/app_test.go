package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/crazy-max/unarc/internal/host"
	"github.com/crazy-max/unarc/internal/transport"
	"github.com/crazy-max/unarc/pkg/config"
	"github.com/mholt/archives"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var modTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var sample = map[string]string{
	"readme.txt":       "hello world",
	"docs/guide.md":    strings.Repeat("guide ", 30),
	"docs/img/logo.sv": "<svg/>",
	"bin/tool":         "#!/bin/sh\necho tool\n",
}

var order = []string{"readme.txt", "docs/guide.md", "docs/img/logo.sv", "bin/tool"}

func fileInfos(t *testing.T) []archives.FileInfo {
	t.Helper()
	mfs := fstest.MapFS{}
	for name, data := range sample {
		mfs[name] = &fstest.MapFile{Data: []byte(data), Mode: 0o644, ModTime: modTime}
	}
	var infos []archives.FileInfo
	for _, name := range order {
		fi, err := fs.Stat(mfs, name)
		require.NoError(t, err)
		infos = append(infos, archives.FileInfo{
			FileInfo:      fi,
			NameInArchive: name,
			Open: func() (fs.File, error) {
				return mfs.Open(name)
			},
		})
	}
	return infos
}

func buildZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, archives.Zip{}.Archive(context.Background(), &buf, fileInfos(t)))
	return buf.Bytes()
}

func buildTarGz(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := archives.Gz{}.OpenWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, archives.Tar{}.Archive(context.Background(), w, fileInfos(t)))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newTestUnarc(t *testing.T, mutate func(cli *config.Cli)) (*Unarc, *bytes.Buffer) {
	t.Helper()
	cli := config.Cli{
		LogLevel: "info",
		Sandbox: config.Sandbox{
			ChunkSize:     64,
			CacheChunks:   8,
			FetchAttempts: 1,
		},
	}
	if mutate != nil {
		mutate(&cli)
	}
	c, err := New(config.Meta{ID: "unarc"}, cli)
	require.NoError(t, err)

	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/data/sample.zip", buildZip(t), 0o644))
	var out bytes.Buffer
	c.fs = afs
	c.stdout = &out
	t.Cleanup(c.cancel)
	return c, &out
}

func TestNewInvalid(t *testing.T) {
	_, err := New(config.Meta{}, config.Cli{Sandbox: config.Sandbox{ChunkSize: 0, CacheChunks: 1}})
	assert.Error(t, err)
	_, err = New(config.Meta{}, config.Cli{Sandbox: config.Sandbox{ChunkSize: 1, CacheChunks: 0}})
	assert.Error(t, err)
}

func TestStartUnknown(t *testing.T) {
	c, _ := newTestUnarc(t, nil)
	assert.Error(t, c.Start("fly <away>"))
}

func TestList(t *testing.T) {
	c, out := newTestUnarc(t, func(cli *config.Cli) {
		cli.List.Archive = "/data/sample.zip"
	})
	require.NoError(t, c.Start("list <archive>"))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, []string{"bin/", "bin/tool", "docs/", "docs/guide.md", "docs/img/", "docs/img/logo.sv", "readme.txt"}, lastFields(lines))
	assert.Contains(t, lines[6], "11")
	assert.Contains(t, lines[6], "2024-03-01 12:00:00")
	assert.Contains(t, lines[0], "-")
}

func lastFields(lines []string) []string {
	var names []string
	for _, line := range lines {
		fields := strings.Fields(line)
		names = append(names, fields[len(fields)-1])
	}
	return names
}

func TestListJSON(t *testing.T) {
	c, out := newTestUnarc(t, func(cli *config.Cli) {
		cli.List.Archive = "/data/sample.zip"
		cli.List.JSON = true
	})
	require.NoError(t, c.Start("list <archive>"))

	var md map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &md))
	entries := host.Entries(md)
	require.Len(t, entries, 7)
	assert.Equal(t, "bin", entries[0].Path)
}

func TestListStream(t *testing.T) {
	c, out := newTestUnarc(t, func(cli *config.Cli) {
		cli.List.Archive = "-"
	})
	c.stdin = bytes.NewReader(buildTarGz(t))
	require.NoError(t, c.Start("list <archive>"))
	assert.Equal(t, order, lastFields(strings.Split(strings.TrimRight(out.String(), "\n"), "\n")))
}

func TestListMissing(t *testing.T) {
	c, _ := newTestUnarc(t, func(cli *config.Cli) {
		cli.List.Archive = "/data/missing.zip"
	})
	assert.Error(t, c.Start("list <archive>"))
}

func TestCat(t *testing.T) {
	cases := []struct {
		name     string
		archive  string
		entry    string
		offset   int64
		length   int64
		expected string
	}{
		{
			name:     "whole entry",
			archive:  "/data/sample.zip",
			entry:    "readme.txt",
			length:   -1,
			expected: "hello world",
		},
		{
			name:     "range",
			archive:  "/data/sample.zip",
			entry:    "/docs/guide.md",
			offset:   6,
			length:   11,
			expected: "guide guide",
		},
		{
			name:     "past the end",
			archive:  "/data/sample.zip",
			entry:    "readme.txt",
			offset:   100,
			length:   -1,
			expected: "",
		},
		{
			name:     "stream",
			archive:  "-",
			entry:    "docs/img/logo.sv",
			offset:   1,
			length:   3,
			expected: "svg",
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c, out := newTestUnarc(t, func(cli *config.Cli) {
				cli.Cat = config.CatCmd{
					Source: config.Source{Archive: tt.archive},
					Entry:  tt.entry,
					Offset: tt.offset,
					Length: tt.length,
				}
			})
			c.stdin = bytes.NewReader(buildTarGz(t))
			require.NoError(t, c.Start("cat <archive> <entry>"))
			assert.Equal(t, tt.expected, out.String())
		})
	}
}

func TestCatErrors(t *testing.T) {
	for _, entry := range []string{"missing.txt", "docs"} {
		c, _ := newTestUnarc(t, func(cli *config.Cli) {
			cli.Cat = config.CatCmd{Source: config.Source{Archive: "/data/sample.zip"}, Entry: entry, Length: -1}
		})
		assert.Error(t, c.Start("cat <archive> <entry>"), entry)
	}

	c, _ := newTestUnarc(t, func(cli *config.Cli) {
		cli.Cat = config.CatCmd{Source: config.Source{Archive: "/data/sample.zip"}, Entry: "readme.txt", Offset: -1}
	})
	assert.Error(t, c.Start("cat <archive> <entry>"))
}

func TestExtract(t *testing.T) {
	c, _ := newTestUnarc(t, func(cli *config.Cli) {
		cli.Extract = config.ExtractCmd{
			Source: config.Source{Archive: "/data/sample.zip"},
			Dist:   "/dist",
			RmDist: true,
		}
	})
	require.NoError(t, afero.WriteFile(c.fs, "/dist/stale.txt", []byte("stale"), 0o644))
	require.NoError(t, c.Start("extract <archive> <dist>"))

	for name, data := range sample {
		got, err := afero.ReadFile(c.fs, "/dist/"+name)
		require.NoError(t, err, name)
		assert.Equal(t, data, string(got), name)
	}
	fi, err := c.fs.Stat("/dist/docs/guide.md")
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(modTime))

	_, err = c.fs.Stat("/dist/stale.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestExtractIncludes(t *testing.T) {
	c, _ := newTestUnarc(t, func(cli *config.Cli) {
		cli.Extract = config.ExtractCmd{
			Source:   config.Source{Archive: "/data/sample.zip"},
			Dist:     "/dist",
			Includes: []string{"/docs/img/", "readme.txt"},
		}
	})
	require.NoError(t, c.Start("extract <archive> <dist>"))

	var files []string
	require.NoError(t, afero.Walk(c.fs, "/dist", func(path string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return err
	}))
	assert.ElementsMatch(t, []string{"/dist/docs/img/logo.sv", "/dist/readme.txt"}, files)
}

func TestFileIsIncluded(t *testing.T) {
	assert.True(t, fileIsIncluded(nil, "any/thing"))
	includes := []string{"docs", "bin/tool"}
	assert.True(t, fileIsIncluded(includes, "docs"))
	assert.True(t, fileIsIncluded(includes, "docs/guide.md"))
	assert.True(t, fileIsIncluded(includes, "bin/tool"))
	assert.False(t, fileIsIncluded(includes, "bin"))
	assert.False(t, fileIsIncluded(includes, "docsearch/a"))
	assert.False(t, fileIsIncluded(includes, "readme.txt"))
}

func TestServeStdio(t *testing.T) {
	for _, codec := range []string{"json", "cbor"} {
		t.Run(codec, func(t *testing.T) {
			toSandbox, hostOut := io.Pipe()
			hostIn, fromSandbox := io.Pipe()

			c, _ := newTestUnarc(t, func(cli *config.Cli) {
				cli.Serve.Codec = codec
			})
			c.stdin = toSandbox
			c.stdout = fromSandbox

			done := make(chan error, 1)
			go func() {
				done <- c.Start("serve")
			}()

			wire, err := transport.CodecByName(codec)
			require.NoError(t, err)
			conn := transport.NewStreamConn(hostIn, hostOut, wire)
			l := host.New(c.fs, conn, host.Options{})
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			go func() {
				_ = transport.Serve(ctx, conn, l, zerolog.Nop())
			}()

			fsID, err := l.Mount("/data/sample.zip")
			require.NoError(t, err)
			md, err := l.Metadata(ctx, fsID)
			require.NoError(t, err)
			assert.Len(t, host.Entries(md), 7)

			c.Close()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("serve did not return")
			}
		})
	}
}
