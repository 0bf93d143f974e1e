package install

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/kernel"
	"github.com/jbweber/anvil/internal/remote"
)

// writeVersioned lays out v<version>/bzImage-custom and its module tree.
func writeVersioned(t *testing.T, root, version string) {
	t.Helper()

	dir := filepath.Join(root, "v"+version)
	if err := os.MkdirAll(filepath.Join(dir, "lib", "modules", version), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bzImage-custom"), []byte("kernel"), 0644); err != nil {
		t.Fatal(err)
	}
}

// testConfig returns a full-variant config whose artifact share is root.
func testConfig(root string) *config.Config {
	cfg := config.Default(config.VariantFull)
	cfg.Shares[0].Path = root
	cfg.Account.User = "root"
	return cfg
}

func TestInstall_FullProcedure(t *testing.T) {
	root := t.TempDir()
	writeVersioned(t, root, "6.1")

	exec := &mockExecutor{respond: guestResponder(nil)}
	report, err := New(exec, testConfig(root), nil).Install(context.Background())
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if report.Release.Version != "6.1" {
		t.Errorf("Release.Version = %q, want 6.1", report.Release.Version)
	}
	if report.RootUUID != "abcd-1234" {
		t.Errorf("RootUUID = %q, want abcd-1234", report.RootUUID)
	}
	if report.UsedFallback {
		t.Error("UsedFallback = true, want false")
	}
	if len(report.Completed) != len(Steps) {
		t.Errorf("Completed %d steps, want %d", len(report.Completed), len(Steps))
	}

	wantOrder := []string{
		"mountpoint -q /mnt/host_out || (mkdir -p /mnt/host_out && mount -t 9p -o trans=virtio,version=9p2000.L host_out /mnt/host_out)",
		"test -f /mnt/host_out/v6.1/bzImage-custom",
		"findmnt -n -o SOURCE /",
		"blkid -s UUID -o value /dev/vda5",
		"mountpoint -q /boot",
		"mount -o remount,rw /boot",
		"cp /mnt/host_out/v6.1/bzImage-custom /boot/vmlinuz-custom",
		"rm -rf /lib/modules/6.1 && cp -a /mnt/host_out/v6.1/lib/modules/6.1 /lib/modules/6.1",
		"dracut --force --add-drivers 'virtio_blk virtio_pci' /boot/initramfs-custom.img 6.1",
		"grubby --add-kernel=/boot/vmlinuz-custom --initrd=/boot/initramfs-custom.img --title='Custom Kernel 6.1' --args='root=UUID=abcd-1234 rootflags=subvol=root console=ttyS0' --make-default",
		"grubby --default-kernel",
		"systemctl reboot",
	}
	if len(exec.commands) != len(wantOrder) {
		t.Fatalf("ran %d commands, want %d:\n%s", len(exec.commands), len(wantOrder), strings.Join(exec.commands, "\n"))
	}
	for i, want := range wantOrder {
		if exec.commands[i] != want {
			t.Errorf("command[%d] = %q, want %q", i, exec.commands[i], want)
		}
	}
}

func TestInstall_SimpleVariant(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "lib", "modules", "6.1.0"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bzImage"), []byte("kernel"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default(config.VariantSimple)
	cfg.Shares[0].Path = root
	cfg.Account.User = "root"

	exec := &mockExecutor{respond: guestResponder(nil)}
	report, err := New(exec, cfg, nil).Install(context.Background())
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if report.RootUUID != "" {
		t.Errorf("RootUUID = %q, want empty", report.RootUUID)
	}
	if exec.ran("findmnt") || exec.ran("blkid") {
		t.Error("simple variant must not resolve the root UUID")
	}
	grubby := exec.find("grubby --add-kernel")
	if strings.Contains(grubby, "--args") {
		t.Errorf("grubby got kernel args without UUID: %q", grubby)
	}
	if !exec.ran("cp /mnt/host_out/bzImage /boot/vmlinuz-custom") {
		t.Errorf("flat boot image not copied:\n%s", strings.Join(exec.commands, "\n"))
	}
}

func TestInstall_UsesSudoForUnprivilegedUser(t *testing.T) {
	root := t.TempDir()
	writeVersioned(t, root, "6.1")

	cfg := testConfig(root)
	cfg.Account.User = "fedora"

	exec := &mockExecutor{respond: func(cmd string) (remote.Result, error) {
		switch cmd {
		case remote.Sudo("findmnt -n -o SOURCE /"):
			return remote.Result{Stdout: "/dev/vda5[/root]\n"}, nil
		case remote.Sudo("blkid -s UUID -o value /dev/vda5"):
			return remote.Result{Stdout: "abcd-1234\n"}, nil
		case remote.Sudo("grubby --default-kernel"):
			return remote.Result{Stdout: "/boot/vmlinuz-custom\n"}, nil
		}
		return remote.Result{}, nil
	}}

	if _, err := New(exec, cfg, nil).Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	for _, c := range exec.commands {
		if !strings.HasPrefix(c, "sudo -n sh -c ") {
			t.Errorf("command not wrapped in sudo: %q", c)
		}
	}
}

func TestInstall_PicksHighestVersion(t *testing.T) {
	root := t.TempDir()
	for _, v := range []string{"5.10", "5.12", "5.9"} {
		writeVersioned(t, root, v)
	}

	exec := &mockExecutor{respond: guestResponder(nil)}
	report, err := New(exec, testConfig(root), nil).Install(context.Background())
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if report.Release.Version != "5.12" {
		t.Errorf("Release.Version = %q, want 5.12", report.Release.Version)
	}
	if !strings.Contains(exec.find("grubby --add-kernel"), "'Custom Kernel 5.12'") {
		t.Errorf("unexpected grubby title: %q", exec.find("grubby --add-kernel"))
	}
}

func TestInstall_StepFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, root string)
		overrides  map[string]func(string) (remote.Result, error)
		wantStep   Step
		wantErr    error
		wantStatus int
		notRun     []string
	}{
		{
			name:  "mount fails",
			setup: func(t *testing.T, root string) { writeVersioned(t, root, "6.1") },
			overrides: map[string]func(string) (remote.Result, error){
				"mountpoint -q /mnt": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 32) },
			},
			wantStep:   StepMount,
			wantStatus: 32,
			notRun:     []string{"cp ", "grubby", "systemctl"},
		},
		{
			name:     "no kernel build",
			setup:    func(*testing.T, string) {},
			wantStep: StepDetectVersion,
			wantErr:  kernel.ErrVersionDetection,
			notRun:   []string{"test -f", "cp ", "systemctl"},
		},
		{
			name: "boot image missing on host",
			setup: func(t *testing.T, root string) {
				if err := os.MkdirAll(filepath.Join(root, "v6.1", "lib", "modules", "6.1"), 0755); err != nil {
					t.Fatal(err)
				}
			},
			wantStep: StepValidateArtifact,
			wantErr:  kernel.ErrArtifactMissing,
			notRun:   []string{"test -f", "cp ", "systemctl"},
		},
		{
			name:  "boot image not visible in guest",
			setup: func(t *testing.T, root string) { writeVersioned(t, root, "6.1") },
			overrides: map[string]func(string) (remote.Result, error){
				"test -f": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 1) },
			},
			wantStep: StepValidateArtifact,
			wantErr:  kernel.ErrArtifactMissing,
			notRun:   []string{"findmnt", "cp ", "systemctl"},
		},
		{
			name:  "empty uuid",
			setup: func(t *testing.T, root string) { writeVersioned(t, root, "6.1") },
			overrides: map[string]func(string) (remote.Result, error){
				"blkid": func(string) (remote.Result, error) { return remote.Result{Stdout: "\n"}, nil },
			},
			wantStep: StepResolveUUID,
			wantErr:  ErrUUIDResolution,
			notRun:   []string{"cp ", "dracut", "systemctl"},
		},
		{
			name:  "findmnt fails",
			setup: func(t *testing.T, root string) { writeVersioned(t, root, "6.1") },
			overrides: map[string]func(string) (remote.Result, error){
				"findmnt": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 1) },
			},
			wantStep:   StepResolveUUID,
			wantErr:    ErrUUIDResolution,
			wantStatus: 1,
			notRun:     []string{"blkid", "cp "},
		},
		{
			name:  "module copy fails",
			setup: func(t *testing.T, root string) { writeVersioned(t, root, "6.1") },
			overrides: map[string]func(string) (remote.Result, error){
				"rm -rf": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 1) },
			},
			wantStep:   StepCopyFiles,
			wantStatus: 1,
			notRun:     []string{"dracut", "grubby", "systemctl"},
		},
		{
			name:  "dracut fails",
			setup: func(t *testing.T, root string) { writeVersioned(t, root, "6.1") },
			overrides: map[string]func(string) (remote.Result, error){
				"dracut": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 1) },
			},
			wantStep:   StepRegenerateInitramfs,
			wantStatus: 1,
			notRun:     []string{"grubby", "systemctl"},
		},
		{
			name:  "grubby and fallback fail",
			setup: func(t *testing.T, root string) { writeVersioned(t, root, "6.1") },
			overrides: map[string]func(string) (remote.Result, error){
				"grubby --add-kernel": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 1) },
				"grub2-mkconfig":      func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 2) },
			},
			wantStep:   StepRegisterBootEntry,
			wantErr:    ErrBootLoaderRegistration,
			wantStatus: 2,
			notRun:     []string{"grubby --default-kernel", "systemctl"},
		},
		{
			name:  "reboot refused",
			setup: func(t *testing.T, root string) { writeVersioned(t, root, "6.1") },
			overrides: map[string]func(string) (remote.Result, error){
				"systemctl reboot": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 1) },
			},
			wantStep:   StepReboot,
			wantStatus: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.setup(t, root)

			exec := &mockExecutor{respond: guestResponder(tt.overrides)}
			_, err := New(exec, testConfig(root), nil).Install(context.Background())

			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("Install() error = %v, want *StepError", err)
			}
			if stepErr.Step != tt.wantStep {
				t.Errorf("Step = %s, want %s", stepErr.Step, tt.wantStep)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantStatus != 0 {
				status, ok := stepErr.ExitStatus()
				if !ok || status != tt.wantStatus {
					t.Errorf("ExitStatus() = %d, %v, want %d", status, ok, tt.wantStatus)
				}
			}
			for _, prefix := range tt.notRun {
				if exec.ran(prefix) {
					t.Errorf("command %q ran after failure", prefix)
				}
			}
		})
	}
}

func TestInstall_GrubbyFallback(t *testing.T) {
	root := t.TempDir()
	writeVersioned(t, root, "6.1")

	exec := &mockExecutor{respond: guestResponder(map[string]func(string) (remote.Result, error){
		"grubby --add-kernel": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 1) },
	})}

	report, err := New(exec, testConfig(root), nil).Install(context.Background())
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !report.UsedFallback {
		t.Error("UsedFallback = false, want true")
	}
	if !exec.ran("grub2-mkconfig -o /boot/grub2/grub.cfg") {
		t.Error("fallback grub2-mkconfig did not run")
	}
	if !exec.ran("systemctl reboot") {
		t.Error("reboot did not run after fallback")
	}
}

func TestInstall_SetsDefaultWhenDifferent(t *testing.T) {
	root := t.TempDir()
	writeVersioned(t, root, "6.1")

	exec := &mockExecutor{respond: guestResponder(map[string]func(string) (remote.Result, error){
		"grubby --default-kernel": func(string) (remote.Result, error) {
			return remote.Result{Stdout: "/boot/vmlinuz-6.11.4-301.fc41.x86_64\n"}, nil
		},
	})}

	if _, err := New(exec, testConfig(root), nil).Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !exec.ran("grubby --set-default=/boot/vmlinuz-custom") {
		t.Errorf("default not corrected:\n%s", strings.Join(exec.commands, "\n"))
	}
}

func TestInstall_SkipsRemountWithoutBootPartition(t *testing.T) {
	root := t.TempDir()
	writeVersioned(t, root, "6.1")

	exec := &mockExecutor{respond: guestResponder(map[string]func(string) (remote.Result, error){
		"mountpoint -q /boot": func(c string) (remote.Result, error) { return remote.Result{}, exitError(c, 32) },
	})}

	if _, err := New(exec, testConfig(root), nil).Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if exec.ran("mount -o remount") {
		t.Error("remounted /boot although it is not a mount point")
	}
}

func TestInstall_RebootOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"clean exit", nil},
		{"connection lost", remote.ErrConnectionLost},
		{"exit 255", exitError("systemctl reboot", 255)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeVersioned(t, root, "6.1")

			exec := &mockExecutor{respond: guestResponder(map[string]func(string) (remote.Result, error){
				"systemctl reboot": func(string) (remote.Result, error) { return remote.Result{}, tt.err },
			})}

			if _, err := New(exec, testConfig(root), nil).Install(context.Background()); err != nil {
				t.Errorf("Install() error = %v, want nil", err)
			}
		})
	}
}

func TestInstall_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeVersioned(t, root, "6.1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &mockExecutor{respond: guestResponder(nil)}
	_, err := New(exec, testConfig(root), nil).Install(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Install() error = %v, want context.Canceled", err)
	}
	if len(exec.commands) != 0 {
		t.Errorf("ran %d commands after cancellation", len(exec.commands))
	}
}
