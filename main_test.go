package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `products_file: /data/products.txt
profile_file: /data/profile.yaml
`

// useEnglish loads the bundled English strings for the duration of a test.
func useEnglish(t *testing.T) {
	t.Helper()
	l, err := LoadLocale(bundledLang, "en_US")
	require.NoError(t, err)
	prev := globalLocale
	globalLocale = l
	t.Cleanup(func() { globalLocale = prev })
}

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0755))
	require.NoError(t, afero.WriteFile(fs, "/cfg/config.yaml", []byte(testConfig), 0644))
	var out bytes.Buffer
	return &app{fs: fs, out: &out}, &out
}

func runCLI(a *app, args ...string) error {
	cmd := newRootCmd(a)
	cmd.SetArgs(append([]string{"--config", "/cfg/config.yaml"}, args...))
	return cmd.ExecuteContext(context.Background())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(OutcomeSuccess))
	assert.Equal(t, 1, exitCode(OutcomeError))
	assert.Equal(t, 2, exitCode(OutcomeTimeout))
	assert.Equal(t, 130, exitCode(OutcomeAborted))
}

func TestProductsCommands(t *testing.T) {
	useEnglish(t)
	a, out := newTestApp(t)

	require.NoError(t, runCLI(a, "products", "list"))
	assert.Contains(t, out.String(), "No products yet")

	out.Reset()
	require.NoError(t, runCLI(a, "products", "add", "https://shop.test/p/am1", "Air Max 1", "--size", "10"))
	assert.Equal(t, "Added Air Max 1\n", out.String())

	out.Reset()
	require.NoError(t, runCLI(a, "products", "list"))
	assert.Contains(t, out.String(), " 1. Air Max 1 [10]")
	assert.Contains(t, out.String(), "https://shop.test/p/am1")

	assert.Error(t, runCLI(a, "products", "add", "https://shop.test/p/x"))
}

func TestFlagOverrides(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, runCLI(a, "--dry-run", "--max-cycles", "5", "--timeout", "90", "--drop-time", "2026-05-01 12:00", "products", "list"))

	assert.True(t, a.settings.DryRun)
	assert.Equal(t, 5, a.settings.MaxCycles)
	assert.Equal(t, 90.0, a.settings.RunTimeout)
	assert.Equal(t, []string{"2026-05-01 12:00"}, a.settings.DropWindows)
	assert.Equal(t, "/data/products.txt", a.settings.ProductsFile)
}

func TestFlagOverridesAreValidated(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, runCLI(a, "--drop-time", "tomorrow", "products", "list"))
	assert.Error(t, runCLI(a, "--max-cycles", "-1", "products", "list"))
}

func TestResolveTarget(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, runCLI(a, "products", "add", "https://shop.test/p/am1", "Air Max 1", "--size", "10"))
	require.NoError(t, runCLI(a, "products", "add", "https://shop.test/p/dl", "Dunk Low"))

	tg, err := a.resolveTarget(nil, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "Air Max 1", tg.Name)

	tg, err = a.resolveTarget([]string{"2"}, "", "", "M")
	require.NoError(t, err)
	assert.Equal(t, "Dunk Low", tg.Name)
	assert.Equal(t, "M", tg.PreferredSize)

	_, err = a.resolveTarget([]string{"3"}, "", "", "")
	assert.Error(t, err)
	_, err = a.resolveTarget([]string{"one"}, "", "", "")
	assert.Error(t, err)

	tg, err = a.resolveTarget(nil, "https://a.test/x,https://b.test/y", "Yeezy 350", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test/x", "https://b.test/y"}, tg.URLVariants)

	_, err = a.resolveTarget(nil, "https://a.test/x", "", "")
	assert.Error(t, err)
}

func TestResolveTargetWithoutProducts(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, runCLI(a, "products", "list"))

	_, err := a.resolveTarget(nil, "", "", "")
	assert.ErrorContains(t, err, "no products")
}

func TestInspect(t *testing.T) {
	tests := []struct {
		name string
		html string
		args []string
		want []string
	}{
		{
			name: "product page",
			html: globalBuyHTML,
			args: []string{"--name", "Air Max 1"},
			want: []string{"Verdict:  NORMAL", "Name:     1.00 (found=true)", `[purchase/global 1.00] "Buy Now"`},
		},
		{
			name: "challenge",
			html: challengeHTML,
			want: []string{"Verdict:  CHALLENGE", "selector: #challenge-running", "  none"},
		},
		{
			name: "sizes",
			html: sizedGlobalHTML,
			args: []string{"--name", "Air Max 1", "--size", "10"},
			want: []string{"Sizes:    US 9, US 10", "Pick:     US 10 (exact=true)"},
		},
		{
			name: "confirmation",
			html: thanksHTML,
			args: []string{"--url", "https://shop.test/order/thanks"},
			want: []string{"Confirmed: true"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, out := newTestApp(t)
			require.NoError(t, afero.WriteFile(a.fs, "/pages/page.html", []byte(tt.html), 0644))

			require.NoError(t, runCLI(a, append([]string{"inspect", "/pages/page.html"}, tt.args...)...))
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
		})
	}
}

func TestInspectMissingFile(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, runCLI(a, "inspect", "/pages/missing.html"))
}
