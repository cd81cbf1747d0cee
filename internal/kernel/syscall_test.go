package kernel

import (
	"strings"
	"testing"

	"github.com/minos-kernel/minos/internal/vfs"
)

func TestUnknownSyscallLeavesStateUnchanged(t *testing.T) {
	k := bootTestKernel(t)

	tf := TrapFrame{EAX: 99, EBX: 11, ECX: 22, EDX: 33, ESI: 44, EIP: 0x1234}
	if err := k.Interrupts().Raise(VectorSyscall, &tf); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if int32(tf.EAX) != ENOSYS {
		t.Errorf("EAX = %d, want ENOSYS", int32(tf.EAX))
	}
	if tf.EBX != 11 || tf.ECX != 22 || tf.EDX != 33 || tf.ESI != 44 || tf.EIP != 0x1234 {
		t.Errorf("unknown syscall mutated registers: %+v", tf)
	}
	if k.Halted() {
		t.Error("unknown syscall halted the kernel")
	}
	if k.Syscalls().Unknown() != 1 {
		t.Errorf("Unknown = %d, want 1", k.Syscalls().Unknown())
	}
}

func TestSyscallZeroIsUnknown(t *testing.T) {
	k := bootTestKernel(t)
	tf := TrapFrame{EAX: 0}
	if err := k.Interrupts().Raise(VectorSyscall, &tf); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if int32(tf.EAX) != ENOSYS {
		t.Errorf("EAX = %d, want ENOSYS for call 0", int32(tf.EAX))
	}
}

func TestHelloWriteGetPID(t *testing.T) {
	con := &captureConsole{}
	k := bootTestKernel(t, WithConsole(con))

	var pid int32
	var helloRes, writeRes int32
	if _, err := k.CreateProcess(func(env *Env) {
		helloRes = env.Hello()
		writeRes = env.Print("written through the trap\n")
		pid = env.GetPID()
	}, "greeter"); err != nil {
		t.Fatal(err)
	}
	k.Run()

	if helloRes != 0 {
		t.Errorf("hello = %d, want 0", helloRes)
	}
	if writeRes != int32(len("written through the trap\n")) {
		t.Errorf("write = %d, want byte count", writeRes)
	}
	if pid != 1 {
		t.Errorf("getpid = %d, want 1", pid)
	}
	out := con.String()
	if !strings.Contains(out, "hello from the kernel, pid 1") {
		t.Errorf("console missing greeting: %q", out)
	}
	if !strings.Contains(out, "written through the trap") {
		t.Errorf("console missing write payload: %q", out)
	}
}

func TestExitSyscall(t *testing.T) {
	k := bootTestKernel(t)
	reached := false
	if _, err := k.CreateProcess(func(env *Env) {
		env.Syscall(SysExit, 7, 0, 0)
		reached = true
	}, "exiter"); err != nil {
		t.Fatal(err)
	}
	k.Run()
	if reached {
		t.Error("code after exit syscall ran")
	}
	if live := k.Processes().Live(); live != 0 {
		t.Errorf("%d processes live after exit", live)
	}
	pid, status, ok := k.Processes().LastExit()
	if !ok || pid != 1 || status != 7 {
		t.Errorf("LastExit = %d, %d, %v; want 1, 7, true", pid, status, ok)
	}
}

func TestFileSyscalls(t *testing.T) {
	fsys := vfs.NewMem()
	fsys.Seed("greeting", []byte("hello file\n"))
	k := bootTestKernel(t, WithFileSystem(fsys))

	type result struct {
		readBack string
		listing  string
		codes    []int32
	}
	var res result
	if _, err := k.CreateProcess(func(env *Env) {
		fd := env.OpenFile("greeting")
		res.codes = append(res.codes, fd)
		data, n := env.ReadFile(fd, 64)
		res.codes = append(res.codes, n)
		res.readBack = data
		res.codes = append(res.codes, env.CloseFile(fd))

		wfd := env.OpenFile("journal")
		res.codes = append(res.codes, wfd)
		res.codes = append(res.codes, env.WriteFile(wfd, "entry one\n"))
		res.codes = append(res.codes, env.CloseFile(wfd))

		listing, ln := env.ListFiles(512)
		res.codes = append(res.codes, ln)
		res.listing = listing
	}, "filer"); err != nil {
		t.Fatal(err)
	}
	k.Run()

	for i, c := range res.codes {
		if c < 0 {
			t.Fatalf("step %d returned %d; all codes: %v", i, c, res.codes)
		}
	}
	if res.readBack != "hello file\n" {
		t.Errorf("read = %q, want file contents", res.readBack)
	}
	if !strings.Contains(res.listing, "greeting") || !strings.Contains(res.listing, "journal") {
		t.Errorf("listing = %q, want both files", res.listing)
	}
	if k.Files().OpenCount() != 0 {
		t.Errorf("%d descriptors leaked", k.Files().OpenCount())
	}
}

func TestFileSyscallErrors(t *testing.T) {
	k := bootTestKernel(t)

	var badRead, badClose, exhausted int32
	if _, err := k.CreateProcess(func(env *Env) {
		_, badRead = env.ReadFile(42, 16)
		badClose = env.CloseFile(42)

		// Fill the descriptor table, then one more.
		max := int32(testConfig().MaxOpenFiles)
		for i := int32(0); i < max; i++ {
			if fd := env.OpenFile("f"); fd < 0 {
				exhausted = fd
				return
			}
		}
		exhausted = env.OpenFile("f")
	}, "abuser"); err != nil {
		t.Fatal(err)
	}
	k.Run()

	if badRead != EFAULT {
		t.Errorf("read on bad fd = %d, want EFAULT", badRead)
	}
	if badClose != EFAULT {
		t.Errorf("close on bad fd = %d, want EFAULT", badClose)
	}
	if exhausted != EMFILE {
		t.Errorf("open past table = %d, want EMFILE", exhausted)
	}
}

func TestWriteSyscallBadBuffer(t *testing.T) {
	k := bootTestKernel(t)
	var res int32
	if _, err := k.CreateProcess(func(env *Env) {
		// Point the buffer at an unmapped virtual page.
		res = env.Syscall(SysWrite, 0x7F000000, 16, 0)
	}, "wild"); err != nil {
		t.Fatal(err)
	}
	k.Run()
	if res != EFAULT {
		t.Errorf("write from unmapped buffer = %d, want EFAULT", res)
	}
	if k.Halted() {
		t.Error("bad buffer halted the kernel instead of returning a code")
	}
}

func TestSyscallCounters(t *testing.T) {
	k := bootTestKernel(t)
	if _, err := k.CreateProcess(func(env *Env) {
		env.Hello()
		env.GetPID()
		env.Syscall(200, 0, 0, 0)
	}, "counting"); err != nil {
		t.Fatal(err)
	}
	k.Run()
	if calls := k.Syscalls().Calls(); calls != 3 {
		t.Errorf("Calls = %d, want 3", calls)
	}
	if unk := k.Syscalls().Unknown(); unk != 1 {
		t.Errorf("Unknown = %d, want 1", unk)
	}
}
