//go:build windows

package linker

import (
	"fmt"
	"os"
	"path/filepath"
)

// installWindowsShims writes the traditional npm .cmd/.ps1 shim pair next
// to binName in binDir, each invoking target through node and forwarding
// arguments and exit code.
func installWindowsShims(binDir, binName, target string) error {
	rel, err := filepath.Rel(binDir, target)
	if err != nil {
		rel = target
	}
	rel = filepath.ToSlash(rel)

	cmdBody := fmt.Sprintf("@ECHO off\r\nGOTO start\r\n:find_dp0\r\nSET dp0=%%~dp0\r\nEXIT /b\r\n:start\r\nSETLOCAL\r\nCALL :find_dp0\r\nnode \"%%dp0%%\\%s\" %%*\r\n", rel)
	if err := os.WriteFile(filepath.Join(binDir, binName+".cmd"), []byte(cmdBody), 0o755); err != nil {
		return err
	}

	psBody := fmt.Sprintf("#!/usr/bin/env pwsh\n$basedir=Split-Path $MyInvocation.MyCommand.Definition -Parent\n& node \"$basedir/%s\" $args\nexit $LASTEXITCODE\n", rel)
	return os.WriteFile(filepath.Join(binDir, binName+".ps1"), []byte(psBody), 0o755)
}
