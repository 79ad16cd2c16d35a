// Command upfsmount mounts a UpFS overlay filesystem: either Split mode
// (a permissions root and a store root as two separate host trees) or
// PS mode (a single root carrying per-directory .upfs sidecar tables),
// selected by how many root paths are given on the command line. See
// specification §6 for the guest mount surface this implements.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"golang.org/x/crypto/ssh"

	"github.com/GregorR/upfs/internal/directcache"
	"github.com/GregorR/upfs/internal/fsck"
	"github.com/GregorR/upfs/internal/hostmount"
	"github.com/GregorR/upfs/internal/metabackend"
	"github.com/GregorR/upfs/internal/pathresolve"
	"github.com/GregorR/upfs/internal/store"
	"github.com/GregorR/upfs/internal/upfsconfig"
	"github.com/GregorR/upfs/internal/upfsfs"
)

var (
	debug       = flag.Bool("debug", false, "log every FUSE request")
	optString   = flag.String("o", "", "comma-separated key[=val] mount options")
	doFsck      = flag.Bool("fsck", false, "check a root's sidecar tables instead of mounting (PS mode only)")
	maxOpenFlag = flag.Int("max-open-files", 0, "override the open-descriptor ceiling (0 keeps -o max_open_files or the default)")
)

func usage() {
	fmt.Fprint(os.Stderr, "usage: upfsmount [opts] <permroot> <storeroot> <mountpoint>   (Split mode)\n")
	fmt.Fprint(os.Stderr, "       upfsmount [opts] <root> <mountpoint>                   (PS mode)\n")
	fmt.Fprint(os.Stderr, "       upfsmount -fsck <root>                                 (PS mode recovery walk)\n")
	flag.PrintDefaults()
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "upfsmount: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	explicit := upfsconfig.ExplicitKeys(*optString)
	opt, err := upfsconfig.ParseOpts(upfsconfig.Default(), *optString)
	if err != nil {
		fatalf("%v", err)
	}
	if tomlPath := defaultTOMLPath(); tomlPath != "" {
		if o2, err := upfsconfig.LoadTOML(opt, tomlPath, explicit); err == nil {
			opt = o2
		}
	}
	if *maxOpenFlag > 0 {
		opt.MaxOpenFiles = *maxOpenFlag
	}

	if *doFsck {
		runFsck(flag.Args())
		return
	}

	args := flag.Args()
	switch len(args) {
	case 2:
		runMount(opt, "", args[0], args[1])
	case 3:
		runMount(opt, args[0], args[1], args[2])
	default:
		usage()
	}
}

func defaultTOMLPath() string {
	for _, p := range []string{"upfs.toml", "/etc/upfs.toml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func runFsck(args []string) {
	if len(args) != 1 {
		fatalf("-fsck takes exactly one root path")
	}
	backend, closer, err := openBackend(args[0])
	if err != nil {
		fatalf("opening %s: %v", args[0], err)
	}
	if closer != nil {
		defer closer.Close()
	}
	problems, err := fsck.Walk(backend)
	if err != nil {
		fatalf("%v", err)
	}
	for _, p := range problems {
		fmt.Println(p.String())
	}
	if len(problems) > 0 {
		os.Exit(1)
	}
}

func runMount(opt upfsconfig.Options, permArg, storeArg, mountPoint string) {
	psMode := permArg == ""

	if psMode && opt.MountRoot {
		if err := hostmount.MountRoot(storeArg); err != nil {
			fatalf("mount_r: %v", err)
		}
	}
	if !psMode {
		if opt.MountPerm {
			if err := hostmount.MountRoot(permArg); err != nil {
				fatalf("mount_p: %v", err)
			}
		}
		if opt.MountStore {
			if err := hostmount.MountRoot(storeArg); err != nil {
				fatalf("mount_s: %v", err)
			}
		}
	}

	storeBackend, storeCloser, err := openBackend(storeArg)
	if err != nil {
		fatalf("opening store root %s: %v", storeArg, err)
	}
	if storeCloser != nil {
		defer storeCloser.Close()
	}
	storeBackend = store.NewBounded(storeBackend, opt.MaxOpenFiles)

	var meta metabackend.Backend
	if psMode {
		// An in-memory cache (opt.CacheDir == "") when no scratch
		// directory was configured, per specification §4.7.
		cache, err := directcache.Open(opt.CacheDir)
		if err != nil {
			fatalf("opening directory entry cache: %v", err)
		}
		defer cache.Close()
		meta = metabackend.NewPSWithCache(storeBackend, cache)
	} else {
		permBackend, permCloser, err := openBackend(permArg)
		if err != nil {
			fatalf("opening permissions root %s: %v", permArg, err)
		}
		if permCloser != nil {
			defer permCloser.Close()
		}
		permBackend = store.NewBounded(permBackend, opt.MaxOpenFiles)
		meta = metabackend.NewSplit(permBackend)
	}

	resolver := pathresolve.New(pathresolve.Policy{
		FATMangle:    opt.FATMangle,
		FATLowercase: opt.FATLowercase,
		PermCaseFold: opt.PermCasefold,
	})

	fsys := &upfsfs.FS{
		Meta:    meta,
		Store:   storeBackend,
		Resolve: resolver,
		PSMode:  psMode,
		Decap:   opt.Decap,
	}
	if *debug {
		fuse.Debug = func(msg interface{}) { log.Print(msg) }
		fsys.Debug = log.Printf
	}

	mountOpts := []fuse.MountOption{
		fuse.FSName("upfs"),
		fuse.Subtype("upfs"),
		fuse.VolumeName(filepath.Base(mountPoint)),
		fuse.AllowOther(),
	}
	if psMode {
		mountOpts = append(mountOpts, fuse.AllowNonEmptyMount(), fuse.DefaultPermissions())
	}

	conn, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		fatalf("mount: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	doneServe := make(chan error, 1)
	go func() {
		doneServe <- fusefs.Serve(conn, fsys)
	}()

	select {
	case err := <-doneServe:
		log.Printf("serve returned: %v", err)
		<-conn.Ready
		if err := conn.MountError; err != nil {
			log.Printf("mount error: %v", err)
		}
	case sig := <-sigc:
		log.Printf("signal %s received, unmounting", sig)
	}

	time.AfterFunc(5*time.Second, func() {
		os.Exit(1)
	})
	if err := fuse.Unmount(mountPoint); err != nil {
		fatalf("unmount %s: %v", mountPoint, err)
	}
}

// openBackend builds a store.Backend for arg, which is either a local
// directory path or an "sftp://[user@]host[:port]/dir" URL — the
// `store=sftp://` selection specification §4.6 describes. The returned
// io.Closer (nil for the local backend) must be closed when the backend
// is no longer needed.
func openBackend(arg string) (store.Backend, interface{ Close() error }, error) {
	if !strings.HasPrefix(arg, "sftp://") {
		if fi, err := os.Stat(arg); err != nil || !fi.IsDir() {
			return nil, nil, fmt.Errorf("%s is not a directory", arg)
		}
		return store.NewLocal(arg), nil, nil
	}

	rest := strings.TrimPrefix(arg, "sftp://")
	var userHost, dir string
	if i := strings.Index(rest, "/"); i >= 0 {
		userHost, dir = rest[:i], rest[i:]
	} else {
		userHost, dir = rest, "/"
	}

	user := os.Getenv("USER")
	hostport := userHost
	if i := strings.Index(userHost, "@"); i >= 0 {
		user, hostport = userHost[:i], userHost[i+1:]
	}
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		hostport = net.JoinHostPort(hostport, "22")
	}

	fingerprint := os.Getenv("UPFS_SFTP_FINGERPRINT")
	if fingerprint == "" {
		fingerprint = "insecure-skip-verify"
	}
	cc := &ssh.ClientConfig{
		User: user,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			got := ssh.FingerprintSHA256(key)
			if fingerprint == "insecure-skip-verify" {
				log.Printf("sftp: WARNING: insecure-skip-verify, connected to %s with untrusted fingerprint %s", hostname, got)
				return nil
			}
			if got == fingerprint {
				return nil
			}
			return fmt.Errorf("sftp: unexpected host key fingerprint %q for %s (want %q)", got, hostname, fingerprint)
		},
		Timeout: 10 * time.Second,
	}
	if pass := os.Getenv("UPFS_SFTP_PASSWORD"); pass != "" {
		cc.Auth = []ssh.AuthMethod{ssh.Password(pass)}
	}

	backend, err := store.DialSFTP(hostport, cc, dir)
	if err != nil {
		return nil, nil, err
	}
	return backend, backend, nil
}
