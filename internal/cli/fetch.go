package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/firelink/internal/assets"
	"github.com/seantiz/firelink/internal/firecracker"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		listURL     string
		downloadURL string
		skipKernel  bool
		skipRootfs  bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the newest published kernel and rootfs images",
		Long: `fetch lists the public Firecracker CI bucket, downloads the newest kernel
and rootfs images that are not already present and installs them at the
stable paths used by run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc := firecracker.LoadConfig()
			r := a.newResolver(fc, assets.WithEndpoints(listURL, downloadURL))

			var kernel, rootfs string
			g, ctx := errgroup.WithContext(cmd.Context())
			if !skipKernel {
				g.Go(func() error {
					var err error
					kernel, err = r.ResolveKernelPath(ctx, true)
					if err != nil {
						return fmt.Errorf("fetch kernel: %w", err)
					}
					return nil
				})
			}
			if !skipRootfs {
				g.Go(func() error {
					var err error
					rootfs, err = r.ResolveRootfsPath(ctx, true)
					if err != nil {
						return fmt.Errorf("fetch rootfs: %w", err)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if kernel != "" {
				fmt.Fprintf(out, "kernel  %s\n", kernel)
			}
			if rootfs != "" {
				fmt.Fprintf(out, "rootfs  %s\n", rootfs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listURL, "list-url", assets.DefaultListURL, "bucket listing endpoint")
	cmd.Flags().StringVar(&downloadURL, "download-url", assets.DefaultDownloadURL, "object download base URL")
	cmd.Flags().BoolVar(&skipKernel, "skip-kernel", false, "do not fetch the kernel image")
	cmd.Flags().BoolVar(&skipRootfs, "skip-rootfs", false, "do not fetch the rootfs image")
	return cmd
}
