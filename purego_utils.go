//go:build darwin || linux

// Shared utilities for purego-based native bindings.

package ffinput

import (
	"os"
	"path/filepath"
	"runtime"
	"unsafe"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Add(p, length)) == 0 {
			break
		}
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// findModuleRoot walks up from the working directory to the directory
// containing go.mod.
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return walkUpTo(wd, "go.mod")
}

// findSourceRoot returns the directory of this source file. It only
// resolves in development builds (tests, go run).
func findSourceRoot() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	dir := filepath.Dir(file)
	if _, err := os.Stat(dir); err != nil {
		return ""
	}
	return dir
}

func walkUpTo(dir, marker string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// nativeLibPaths lists candidate locations of a native library, highest
// priority first: the explicit path variable, the SDK directory variable,
// next to the executable, build directories around the working directory
// and the source tree, then the system paths.
func nativeLibPaths(base, pathEnv string) []string {
	libName := base + ".so"
	if runtime.GOOS == "darwin" {
		libName = base + ".dylib"
	}

	var paths []string
	if envPath := os.Getenv(pathEnv); envPath != "" {
		paths = append(paths, envPath)
	}
	if envPath := os.Getenv("MEDIA_SDK_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	var roots []string
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, wd, filepath.Join(wd, ".."), filepath.Join(wd, "..", ".."))
	}
	if r := findSourceRoot(); r != "" {
		roots = append(roots, r)
	}
	if r := findModuleRoot(); r != "" {
		roots = append(roots, r)
	}
	for _, r := range roots {
		paths = append(paths,
			filepath.Join(r, "build", libName),
			filepath.Join(r, "build", "ffi", libName),
		)
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/opt/homebrew/lib", libName),
		)
	case "linux":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/usr/lib", libName),
		)
	}
	return paths
}
