//go:build darwin

package screen

func platformTools() []tool {
	// -x: no sound, -m: main display only
	return []tool{
		{name: "screencapture", args: func(p string) []string { return []string{"-x", "-t", "png", "-m", p} }},
	}
}
