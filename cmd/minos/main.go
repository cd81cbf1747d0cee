// MinOS boot binary: builds the boot image, boots the kernel, runs a
// couple of demonstration processes under the round-robin scheduler
// and prints the final machine status.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/minos-kernel/minos/internal/kernel"
	"github.com/minos-kernel/minos/internal/vfs"
)

func main() {
	configPath := flag.String("config", "", "JSON config file (defaults apply when empty)")
	mount := flag.String("mount", "", "host directory to mount instead of the in-memory boot image")
	flag.Parse()

	cfg := kernel.DefaultConfig()
	if *configPath != "" {
		loaded, err := kernel.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "minos: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var fsys vfs.FileSystem
	if *mount != "" {
		fsys = vfs.NewOS(*mount)
	} else {
		fsys = bootImage()
	}

	fmt.Println("========================================")
	fmt.Printf("          MinOS v%s\n", kernel.Version)
	fmt.Println("========================================")

	k, err := kernel.New(cfg,
		kernel.WithConsole(kernel.HostConsole()),
		kernel.WithFileSystem(fsys),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minos: %v\n", err)
		os.Exit(1)
	}

	// Timer driver: one tick per configured interval until the run
	// loop finishes.
	stopTimer := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Duration(cfg.TickIntervalMs) * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				k.Tick()
			case <-stopTimer:
				return
			}
		}
	}()

	if err := spawnDemo(k); err != nil {
		fmt.Fprintf(os.Stderr, "minos: %v\n", err)
		os.Exit(1)
	}

	k.Run()
	close(stopTimer)

	st := k.Status()
	fmt.Printf("\nmachine stopped: ticks=%d switches=%d syscalls=%d frames=%d/%d\n",
		st.Ticks, st.ContextSwitches, st.Syscalls, st.Frames.UsedFrames, st.Frames.TotalFrames)
	if st.Halted {
		fmt.Printf("halt reason: %s\n", st.HaltReason)
		os.Exit(1)
	}
}

// bootImage seeds the in-memory filesystem the file syscalls serve.
func bootImage() *vfs.MemFS {
	m := vfs.NewMem()
	m.Seed("motd", []byte("welcome to MinOS\n"))
	m.Seed("etc/version", []byte(kernel.Version+"\n"))
	return m
}

// spawnDemo creates the demonstration processes: two printers that
// alternate under round robin, and one that exercises the file calls.
func spawnDemo(k *kernel.Kernel) error {
	printer := func(label string, rounds int) kernel.EntryFunc {
		return func(env *kernel.Env) {
			env.Hello()
			for i := 0; i < rounds; i++ {
				env.Print(fmt.Sprintf("[pid %d] %s %d\n", env.GetPID(), label, i))
				env.Yield()
			}
		}
	}
	if _, err := k.CreateProcess(printer("alpha", 5), "alpha"); err != nil {
		return err
	}
	if _, err := k.CreateProcess(printer("beta", 5), "beta"); err != nil {
		return err
	}
	files := func(env *kernel.Env) {
		fd := env.OpenFile("var/log/boot.log")
		if fd < 0 {
			env.Print(fmt.Sprintf("open failed: %d\n", fd))
			env.Exit(1)
		}
		env.WriteFile(fd, "minos booted\n")
		env.CloseFile(fd)
		if listing, n := env.ListFiles(4096); n >= 0 {
			env.Print("files:\n" + listing)
		}
	}
	if _, err := k.CreateProcess(files, "files"); err != nil {
		return err
	}
	return nil
}
