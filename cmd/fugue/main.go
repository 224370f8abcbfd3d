// Fugue CLI - loads and runs Fugue bytecode images.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/epoch-lang/fugue/manifest"
	"github.com/epoch-lang/fugue/store"
	"github.com/epoch-lang/fugue/vm"
)

var log = commonlog.GetLogger("fugue")

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0 = quiet)")
	projectDir := flag.String("p", "", "Project directory containing fugue.toml")
	storePath := flag.String("store", "", "Content-addressed image store (overrides manifest)")
	archive := flag.Bool("archive", false, "Archive the image in the store before running")
	fromHash := flag.String("hash", "", "Run an image from the store by content hash")
	listStore := flag.Bool("list", false, "List archived images and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fugue [options] [image.fvm]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a Fugue bytecode image: the global initialization block first,\n")
		fmt.Fprintf(os.Stderr, "then the entrypoint function.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fugue program.fvm            # Run an image\n")
		fmt.Fprintf(os.Stderr, "  fugue -p ./proj              # Run the image named by ./proj/fugue.toml\n")
		fmt.Fprintf(os.Stderr, "  fugue -archive program.fvm   # Archive, then run\n")
		fmt.Fprintf(os.Stderr, "  fugue -hash <sha256>         # Run straight from the store\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	var m *manifest.Manifest
	if *projectDir != "" {
		loaded, err := manifest.Load(*projectDir)
		if err != nil {
			fail(err)
		}
		m = loaded
	}

	resolvedStore := *storePath
	if resolvedStore == "" && m != nil {
		resolvedStore = m.StorePath()
	}

	var archiveStore *store.Store
	if resolvedStore != "" {
		s, err := store.Open(resolvedStore)
		if err != nil {
			fail(err)
		}
		defer s.Close()
		archiveStore = s
	}

	if *listStore {
		if archiveStore == nil {
			fail(fmt.Errorf("no store configured; pass -store or set store.path in fugue.toml"))
		}
		entries, err := archiveStore.List()
		if err != nil {
			fail(err)
		}
		for _, e := range entries {
			fmt.Printf("%s  %8d  %s  %s\n", e.Hash, e.Size, e.CreatedAt, e.Name)
		}
		return
	}

	image, name, err := resolveImage(m, archiveStore, *fromHash, flag.Args())
	if err != nil {
		fail(err)
	}
	log.Infof("loaded image %s (%d bytes)", name, len(image))

	if *archive {
		if archiveStore == nil {
			fail(fmt.Errorf("-archive requires a store"))
		}
		hash, err := archiveStore.Put(name, image)
		if err != nil {
			fail(err)
		}
		log.Infof("archived as %s", hash)
	}

	program := vm.NewProgram()
	if err := vm.LoadProgram(image, program); err != nil {
		fail(err)
	}
	if m != nil {
		if m.Image.Console {
			program.SetUsesConsole()
		}
		if m.Runtime.PoolSize > 0 {
			program.SetThreadPool(vm.NewThreadPool(m.Runtime.PoolSize))
		}
	}

	if err := program.Execute(); err != nil {
		fail(err)
	}
}

func resolveImage(m *manifest.Manifest, s *store.Store, hash string, args []string) ([]byte, string, error) {
	switch {
	case hash != "":
		if s == nil {
			return nil, "", fmt.Errorf("-hash requires a store")
		}
		data, err := s.Get(hash)
		return data, hash, err
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		return data, args[0], err
	case m != nil:
		path := m.ImagePath()
		data, err := os.ReadFile(path)
		return data, path, err
	}
	return nil, "", fmt.Errorf("no image given; pass a path, -hash, or -p with a manifest")
}

func fail(err error) {
	log.Criticalf("%v", err)
	fmt.Fprintf(os.Stderr, "fugue: %v\n", err)
	os.Exit(1)
}
