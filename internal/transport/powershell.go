package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Runner executes a PowerShell script. env is appended to the current
// environment; secrets are only ever passed this way, never in the script.
type Runner interface {
	Run(ctx context.Context, script string, env []string) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, script string, env []string) ([]byte, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, script string, env []string) ([]byte, error) {
	return f(ctx, script, env)
}

type execRunner struct{}

// PowerShell returns a Runner that starts powershell.exe.
func PowerShell() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, script string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoLogo", "-NoProfile", "-NonInteractive", "-Command", script)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.Bytes(), err
		}
		return stdout.Bytes(), fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

const (
	markerUnauthorized = "PYMANAGER:401"
	markerOffline      = "PYMANAGER:OFFLINE"
)

func classifyScriptError(err error) error {
	if err == nil {
		return nil
	}
	switch msg := err.Error(); {
	case strings.Contains(msg, markerUnauthorized):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case strings.Contains(msg, markerOffline):
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return err
}

func credentialEnv(creds *Credentials) []string {
	if creds == nil {
		return nil
	}
	return []string{
		"PYMANAGER_AUTH_USER=" + creds.Username,
		"PYMANAGER_AUTH_PASS=" + creds.Password,
	}
}

const credentialScript = `
$cred = $null
if ($env:PYMANAGER_AUTH_USER) {
  $pw = ConvertTo-SecureString -String $env:PYMANAGER_AUTH_PASS -AsPlainText -Force
  $cred = New-Object System.Management.Automation.PSCredential($env:PYMANAGER_AUTH_USER, $pw)
}
`

// BITSBackend downloads through the Background Intelligent Transfer
// Service. The job id is kept in "<out>.job" so an interrupted transfer can
// be rejoined by a later attempt.
type BITSBackend struct {
	runner   Runner
	interval time.Duration
}

// NewBITSBackend creates the BITS backend. A nil runner uses powershell.exe.
func NewBITSBackend(runner Runner) *BITSBackend {
	if runner == nil {
		runner = execRunner{}
	}
	return &BITSBackend{runner: runner, interval: time.Second}
}

// Name implements Backend.
func (b *BITSBackend) Name() string { return "BITS" }

// Supports implements Backend. BITS only performs GETs into a file.
func (b *BITSBackend) Supports(call *Call) bool {
	if _, isExec := b.runner.(execRunner); isExec && runtime.GOOS != "windows" {
		return false
	}
	return call.Method == "GET" && call.OutPath != "" && len(call.Headers) == 0
}

// Open implements Backend.
func (b *BITSBackend) Open(ctx context.Context, call *Call) ([]byte, error) {
	return nil, ErrUnsupported
}

const bitsStartScript = credentialScript + `
$params = @{ Source = $env:PYMANAGER_URL; Destination = $env:PYMANAGER_OUT; Asynchronous = $true; Priority = 'Foreground'; DisplayName = 'pymanager' }
if ($cred) { $params.Credential = $cred; $params.Authentication = 'Basic' }
$job = Start-BitsTransfer @params -ErrorAction Stop
Write-Output $job.JobId.Guid
`

const bitsPollScript = `
$job = Get-BitsTransfer -JobId $env:PYMANAGER_JOB -ErrorAction Stop
if ($job.JobState -eq 'Transferred') { Complete-BitsTransfer -BitsJob $job }
$err = ''
if ($job.JobState -eq 'Error' -or $job.JobState -eq 'TransientError') {
  $err = '{0:x8} {1}' -f $job.ErrorCode, $job.ErrorDescription
}
Write-Output ('{0}|{1}|{2}|{3}' -f $job.JobState, $job.BytesTransferred, $job.BytesTotal, $err)
`

const bitsCancelScript = `
Get-BitsTransfer -JobId $env:PYMANAGER_JOB -ErrorAction SilentlyContinue | Remove-BitsTransfer
`

// Retrieve implements Backend.
func (b *BITSBackend) Retrieve(ctx context.Context, call *Call) error {
	jobFile := call.OutPath + ".job"
	jobID := ""
	if data, err := os.ReadFile(jobFile); err == nil {
		jobID = strings.TrimSpace(string(data))
	}
	rejoined := jobID != ""
	if !rejoined {
		var err error
		if jobID, err = b.start(ctx, call, jobFile); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		state, err := b.poll(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				// The sidecar stays so the next attempt can rejoin.
				return ctx.Err()
			}
			if !rejoined {
				return err
			}
			// The recorded job no longer exists; start over.
			rejoined = false
			os.Remove(jobFile)
			if jobID, err = b.start(ctx, call, jobFile); err != nil {
				return err
			}
			continue
		}
		call.Progress(percentOf(state.transferred, state.total))
		switch state.state {
		case "Transferred", "Acknowledged":
			os.Remove(jobFile)
			return nil
		case "Error", "TransientError":
			b.cancel(jobID)
			os.Remove(jobFile)
			return bitsError(state.err)
		case "Cancelled":
			os.Remove(jobFile)
			return errors.New("BITS job was cancelled")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *BITSBackend) start(ctx context.Context, call *Call, jobFile string) (string, error) {
	env := append([]string{
		"PYMANAGER_URL=" + call.URL,
		"PYMANAGER_OUT=" + call.OutPath,
	}, credentialEnv(call.Credentials)...)
	out, err := b.runner.Run(ctx, bitsStartScript, env)
	if err != nil {
		return "", classifyScriptError(err)
	}
	jobID := strings.TrimSpace(string(out))
	if jobID == "" {
		return "", errors.New("BITS did not return a job id")
	}
	if err := os.WriteFile(jobFile, []byte(jobID), 0644); err != nil {
		b.cancel(jobID)
		return "", fmt.Errorf("writing %s: %w", jobFile, err)
	}
	return jobID, nil
}

type bitsState struct {
	state       string
	transferred int64
	total       int64
	err         string
}

func (b *BITSBackend) poll(ctx context.Context, jobID string) (bitsState, error) {
	out, err := b.runner.Run(ctx, bitsPollScript, []string{"PYMANAGER_JOB=" + jobID})
	if err != nil {
		return bitsState{}, classifyScriptError(err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), "|", 4)
	if len(parts) < 3 {
		return bitsState{}, fmt.Errorf("unexpected BITS status %q", strings.TrimSpace(string(out)))
	}
	s := bitsState{state: parts[0]}
	s.transferred, _ = strconv.ParseInt(parts[1], 10, 64)
	s.total, _ = strconv.ParseInt(parts[2], 10, 64)
	if len(parts) == 4 {
		s.err = parts[3]
	}
	return s, nil
}

func (b *BITSBackend) cancel(jobID string) {
	_, _ = b.runner.Run(context.Background(), bitsCancelScript, []string{"PYMANAGER_JOB=" + jobID})
}

// BITS reports HTTP status codes as 0x801901xx and WinINet errors as 0x80072exx.
func bitsError(desc string) error {
	code := ""
	if fields := strings.Fields(desc); len(fields) > 0 {
		code = strings.ToLower(fields[0])
	}
	switch {
	case code == "80190191":
		return fmt.Errorf("%w: %s", ErrUnauthorized, desc)
	case code == "80072ee7" || code == "80072efd" || code == "80200010":
		return fmt.Errorf("%w: %s", ErrOffline, desc)
	}
	return fmt.Errorf("BITS transfer failed: %s", desc)
}

// PowerShellBackend shells out to Invoke-WebRequest as a last resort.
type PowerShellBackend struct {
	runner   Runner
	interval time.Duration
}

// NewPowerShellBackend creates the POWERSHELL backend. A nil runner uses
// powershell.exe.
func NewPowerShellBackend(runner Runner) *PowerShellBackend {
	if runner == nil {
		runner = execRunner{}
	}
	return &PowerShellBackend{runner: runner, interval: 10 * time.Second}
}

// Name implements Backend.
func (b *PowerShellBackend) Name() string { return "POWERSHELL" }

// Supports implements Backend.
func (b *PowerShellBackend) Supports(call *Call) bool {
	if _, isExec := b.runner.(execRunner); isExec && runtime.GOOS != "windows" {
		return false
	}
	return true
}

const powershellScript = credentialScript + `
$ProgressPreference = 'SilentlyContinue'
$params = @{ Uri = $env:PYMANAGER_URL; Method = $env:PYMANAGER_METHOD; UseBasicParsing = $true }
if ($cred) { $params.Credential = $cred }
if ($env:PYMANAGER_HEADERS) {
  $h = @{}
  (ConvertFrom-Json $env:PYMANAGER_HEADERS).psobject.properties | ForEach-Object { $h[$_.Name] = $_.Value }
  $params.Headers = $h
}
if ($env:PYMANAGER_OUT) { $params.OutFile = $env:PYMANAGER_OUT }
try {
  $r = Invoke-WebRequest @params -ErrorAction Stop
  if (-not $env:PYMANAGER_OUT) { [Console]::Out.Write($r.Content) }
} catch [System.Net.WebException] {
  if ($_.Exception.Response -and [int]$_.Exception.Response.StatusCode -eq 401) { [Console]::Error.WriteLine('PYMANAGER:401'); exit 1 }
  if ($_.Exception.Status -eq 'NameResolutionFailure') { [Console]::Error.WriteLine('PYMANAGER:OFFLINE'); exit 1 }
  throw
}
`

func (b *PowerShellBackend) env(call *Call, out string) ([]string, error) {
	env := []string{
		"PYMANAGER_URL=" + call.URL,
		"PYMANAGER_METHOD=" + call.Method,
		"PYMANAGER_OUT=" + out,
	}
	if len(call.Headers) > 0 {
		headers, err := sonic.MarshalString(call.Headers)
		if err != nil {
			return nil, fmt.Errorf("encoding headers: %w", err)
		}
		env = append(env, "PYMANAGER_HEADERS="+headers)
	}
	return append(env, credentialEnv(call.Credentials)...), nil
}

// Open implements Backend.
func (b *PowerShellBackend) Open(ctx context.Context, call *Call) ([]byte, error) {
	env, err := b.env(call, "")
	if err != nil {
		return nil, err
	}
	out, err := b.runner.Run(ctx, powershellScript, env)
	if err != nil {
		return nil, classifyScriptError(err)
	}
	return out, nil
}

// Retrieve implements Backend. The script runs in the background and is
// checked every interval; the output file must exist once it finishes.
func (b *PowerShellBackend) Retrieve(ctx context.Context, call *Call) error {
	env, err := b.env(call, call.OutPath)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := b.runner.Run(ctx, powershellScript, env)
		done <- err
	}()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return classifyScriptError(err)
			}
			if _, err := os.Stat(call.OutPath); err != nil {
				return fmt.Errorf("download did not produce %s", call.OutPath)
			}
			return nil
		case <-ticker.C:
			// No size is known; just show that something is happening.
			call.Progress(1)
		case <-ctx.Done():
			<-done
			return ctx.Err()
		}
	}
}
