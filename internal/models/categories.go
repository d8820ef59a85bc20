package models

// DefaultCategoryID is used when the operator does not pick a category.
const DefaultCategoryID = "20" // Gaming

// Categories returns the platform's video category catalogue keyed by ID.
func Categories() map[string]string {
	return map[string]string{
		"1":  "Film & Animation",
		"2":  "Autos & Vehicles",
		"10": "Music",
		"15": "Pets & Animals",
		"17": "Sports",
		"19": "Travel & Events",
		"20": "Gaming",
		"22": "People & Blogs",
		"23": "Comedy",
		"24": "Entertainment",
		"25": "News & Politics",
		"26": "Howto & Style",
		"27": "Education",
		"28": "Science & Technology",
	}
}

// CategoryName resolves a category ID to its display name, falling back to
// "Unknown" for IDs the catalogue does not list.
func CategoryName(id string) string {
	if name, ok := Categories()[id]; ok {
		return name
	}
	return "Unknown"
}
