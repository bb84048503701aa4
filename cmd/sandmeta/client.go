package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"text/tabwriter"
	"time"

	dc "github.com/AnishMulay/sandmeta/internal/dentry_cache"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
	"github.com/AnishMulay/sandmeta/servers/node"
)

var errUsage = errors.New("wrong number of arguments")

func runClient(ctx context.Context, s *node.Session, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s takes %d", errUsage, cmd, n)
		}
		return nil
	}

	switch cmd {
	case "stat":
		if err := need(1); err != nil {
			return err
		}
		_, attr, err := s.Walk(ctx, args[0])
		if err != nil {
			return err
		}
		printAttr(attr)
		return nil

	case "ls":
		if err := need(1); err != nil {
			return err
		}
		return list(ctx, s, args[0])

	case "mkdir", "touch", "rm", "rmdir", "dirstat":
		if err := need(1); err != nil {
			return err
		}
		parent, name, err := walkParent(ctx, s, args[0])
		if err != nil {
			return err
		}
		switch cmd {
		case "mkdir":
			_, _, err = s.Mkdir(ctx, parent, name, 0o755)
		case "touch":
			_, _, err = s.Create(ctx, parent, name, 0o644)
		case "rm":
			err = s.Unlink(ctx, parent, name)
		case "rmdir":
			err = s.Rmdir(ctx, parent, name)
		case "dirstat":
			var dir dc.NodeID
			if name == "" {
				dir = parent
			} else if dir, _, err = s.Lookup(ctx, parent, name); err != nil {
				return err
			}
			var text string
			if text, err = s.DirStat(ctx, dir); err == nil {
				fmt.Print(text)
			}
		}
		return err

	case "symlink":
		if err := need(2); err != nil {
			return err
		}
		parent, name, err := walkParent(ctx, s, args[1])
		if err != nil {
			return err
		}
		_, _, err = s.Symlink(ctx, parent, name, args[0])
		return err

	case "ln", "mv":
		if err := need(2); err != nil {
			return err
		}
		srcParent, srcName, err := walkParent(ctx, s, args[0])
		if err != nil {
			return err
		}
		dstParent, dstName, err := walkParent(ctx, s, args[1])
		if err != nil {
			return err
		}
		if cmd == "mv" {
			_, err = s.Rename(ctx, srcParent, srcName, dstParent, dstName)
			return err
		}
		src, _, err := s.Lookup(ctx, srcParent, srcName)
		if err != nil {
			return err
		}
		_, _, err = s.Link(ctx, src, dstParent, dstName)
		return err
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

// walkParent resolves the directory holding p and returns p's last component.
// The root has no parent; it comes back as itself with an empty name.
func walkParent(ctx context.Context, s *node.Session, p string) (dc.NodeID, string, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return s.Root(), "", nil
	}
	dir, name := path.Split(p)
	parent, _, err := s.Walk(ctx, dir)
	return parent, name, err
}

func list(ctx context.Context, s *node.Session, p string) error {
	dir, _, err := s.Walk(ctx, p)
	if err != nil {
		return err
	}
	r, err := s.OpenDir(ctx, dir)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	for {
		e, ok, err := r.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%#x\n", typeChar(e.Type), e.Ino, e.Name, uint64(e.Cursor))
	}
}

func typeChar(mode uint32) string {
	switch mode & ms.ModeTypeMask {
	case ms.ModeDir:
		return "d"
	case ms.ModeSymlink:
		return "l"
	case ms.ModeRegular:
		return "-"
	}
	return "?"
}

func printAttr(a ms.InodeAttr) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "ino:\t%s\n", a.Ino)
	fmt.Fprintf(w, "type:\t%s\n", typeChar(a.Mode))
	fmt.Fprintf(w, "mode:\t%#o\n", a.Mode&ms.ModePermMask)
	fmt.Fprintf(w, "nlink:\t%d\n", a.Nlink)
	fmt.Fprintf(w, "size:\t%d\n", a.Size)
	fmt.Fprintf(w, "mtime:\t%s\n", time.Unix(0, a.Mtime).Format(time.RFC3339Nano))
	if a.SymlinkTarget != "" {
		fmt.Fprintf(w, "target:\t%s\n", a.SymlinkTarget)
	}
	if a.IsDir() {
		fmt.Fprintf(w, "version:\t%d\n", a.Version)
	}
}
