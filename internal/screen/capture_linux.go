//go:build linux

package screen

func platformTools() []tool {
	return []tool{
		{name: "scrot", args: func(p string) []string { return []string{"-o", "-z", p} }},
		{name: "import", args: func(p string) []string { return []string{"-window", "root", p} }},
		{name: "gnome-screenshot", args: func(p string) []string { return []string{"-f", p} }},
	}
}
