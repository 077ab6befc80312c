package keymap

// layoutKey is a key on the physical layout and whether shift is held.
type layoutKey struct {
	key   string
	shift bool
}

// usLayout covers the printable ASCII characters reachable on a US-QWERTY
// keyboard. Space and line breaks are handled separately.
var usLayout = buildUSLayout()

func buildUSLayout() map[rune]layoutKey {
	m := make(map[rune]layoutKey, 96)
	for r := 'a'; r <= 'z'; r++ {
		m[r] = layoutKey{key: string(r)}
		m[r-'a'+'A'] = layoutKey{key: string(r), shift: true}
	}
	for r := '0'; r <= '9'; r++ {
		m[r] = layoutKey{key: string(r)}
	}

	unshifted := "-=[]\\;',./`"
	for _, r := range unshifted {
		m[r] = layoutKey{key: string(r)}
	}

	shifted := map[rune]string{
		'!': "1", '@': "2", '#': "3", '$': "4", '%': "5",
		'^': "6", '&': "7", '*': "8", '(': "9", ')': "0",
		'_': "-", '+': "=", '{': "[", '}': "]", '|': "\\",
		':': ";", '"': "'", '<': ",", '>': ".", '?': "/",
		'~': "`",
	}
	for r, key := range shifted {
		m[r] = layoutKey{key: key, shift: true}
	}
	return m
}

// Keys returns every key name the mapper can emit in Press/Release events.
// Backends without text support use it to validate their key tables.
func Keys() []string {
	seen := map[string]bool{"shift": true, "enter": true, "tab": true, "space": true}
	keys := []string{"shift", "enter", "tab", "space"}
	for _, k := range usLayout {
		if !seen[k.key] {
			seen[k.key] = true
			keys = append(keys, k.key)
		}
	}
	return keys
}
